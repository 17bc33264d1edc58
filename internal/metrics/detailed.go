package metrics

import (
	"sort"
	"sync"
	"time"
)

// Direction classifies an operation by which way the bytes flow.
type Direction string

const (
	DirectionIn    Direction = "in"
	DirectionOut   Direction = "out"
	DirectionOther Direction = "other"
)

// operationDirections maps recorder operation names to the direction of their payload.
var operationDirections = map[string]Direction{
	"upload_chunk":   DirectionIn,
	"basic_upload":   DirectionIn,
	"download_chunk": DirectionOut,
	"basic_download": DirectionOut,
}

// operations that leave a stored file behind
var storingOperations = map[string]bool{
	"finalize_upload": true,
	"basic_upload":    true,
}

// ExfilTraffic summarizes the traffic of one exfil.
type ExfilTraffic struct {
	Name           string        `json:"name"`
	Operations     int64         `json:"operations"`
	Errors         int64         `json:"errors"`
	Sessions       int64         `json:"sessions"`
	FilesStored    int64         `json:"files_stored"`
	BytesIn        int64         `json:"bytes_in"`
	BytesOut       int64         `json:"bytes_out"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	ErrorRate      float64       `json:"error_rate"`
	ThroughputMBps float64       `json:"throughput_mbps"`
	LastOperation  time.Time     `json:"last_operation"`

	totalLatency time.Duration
}

// TrafficStats aggregates per-exfil traffic for the ops API.
type TrafficStats struct {
	mu        sync.RWMutex
	exfils    map[string]*ExfilTraffic
	startTime time.Time
	now       func() time.Time
}

// NewTrafficStats creates an empty traffic summary
func NewTrafficStats() *TrafficStats {
	return &TrafficStats{
		exfils:    make(map[string]*ExfilTraffic),
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (ts *TrafficStats) entry(exfil string) *ExfilTraffic {
	et, ok := ts.exfils[exfil]
	if !ok {
		et = &ExfilTraffic{Name: exfil}
		ts.exfils[exfil] = et
	}
	return et
}

// Record accounts one operation. Failed operations count toward errors and latency but not
// toward bytes.
func (ts *TrafficStats) Record(exfil, operation string, latency time.Duration, size int64, success bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	et := ts.entry(exfil)
	et.Operations++
	et.totalLatency += latency
	et.LastOperation = ts.now()

	if latency < et.MinLatency || et.Operations == 1 {
		et.MinLatency = latency
	}
	if latency > et.MaxLatency {
		et.MaxLatency = latency
	}
	et.AverageLatency = time.Duration(int64(et.totalLatency) / et.Operations)

	if !success {
		et.Errors++
	} else {
		switch operationDirections[operation] {
		case DirectionIn:
			et.BytesIn += size
		case DirectionOut:
			et.BytesOut += size
		}
		if storingOperations[operation] {
			et.FilesStored++
		}
	}

	et.ErrorRate = float64(et.Errors) / float64(et.Operations)
	if seconds := et.totalLatency.Seconds(); seconds > 0 {
		et.ThroughputMBps = (float64(et.BytesIn+et.BytesOut) / (1024 * 1024)) / seconds
	}
}

// SessionOpened counts a new transfer session.
func (ts *TrafficStats) SessionOpened(exfil string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.entry(exfil).Sessions++
}

// Get returns a copy of one exfil's traffic, or nil.
func (ts *TrafficStats) Get(exfil string) *ExfilTraffic {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if et, ok := ts.exfils[exfil]; ok {
		cp := *et
		return &cp
	}
	return nil
}

// Snapshot returns copies of all entries keyed by exfil name.
func (ts *TrafficStats) Snapshot() map[string]ExfilTraffic {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make(map[string]ExfilTraffic, len(ts.exfils))
	for name, et := range ts.exfils {
		out[name] = *et
	}
	return out
}

// Top returns the n exfils that moved the most bytes.
func (ts *TrafficStats) Top(n int) []ExfilTraffic {
	ts.mu.RLock()
	all := make([]ExfilTraffic, 0, len(ts.exfils))
	for _, et := range ts.exfils {
		all = append(all, *et)
	}
	ts.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		bi, bj := all[i].BytesIn+all[i].BytesOut, all[j].BytesIn+all[j].BytesOut
		if bi != bj {
			return bi > bj
		}
		return all[i].Name < all[j].Name
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Summary returns totals across all exfils.
func (ts *TrafficStats) Summary() map[string]interface{} {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var ops, errs, in, out, files int64
	for _, et := range ts.exfils {
		ops += et.Operations
		errs += et.Errors
		in += et.BytesIn
		out += et.BytesOut
		files += et.FilesStored
	}
	uptime := ts.now().Sub(ts.startTime)
	summary := map[string]interface{}{
		"uptime_seconds":   uptime.Seconds(),
		"total_operations": ops,
		"total_errors":     errs,
		"bytes_in":         in,
		"bytes_out":        out,
		"files_stored":     files,
		"tracked_exfils":   len(ts.exfils),
	}
	if ops > 0 {
		summary["error_rate"] = float64(errs) / float64(ops)
	}
	return summary
}

// Reset clears all entries
func (ts *TrafficStats) Reset() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.exfils = make(map[string]*ExfilTraffic)
	ts.startTime = ts.now()
}
