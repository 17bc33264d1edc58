package transfer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Direction is the direction of a transfer.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// State is the lifecycle state of a session.
type State int

const (
	// StateProvisioning means endpoints exist but are not yet deployed.
	StateProvisioning State = iota
	StateReady
	StateTransferring
	// StateComplete means every chunk was received or fetched.
	StateComplete
	StateFinalizing
	StateClosed
	// StateFailed means finalization failed. The session waits for expiry.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type chunkState int

const (
	chunkPending chunkState = iota
	chunkReceiving
	chunkDone
)

type chunk struct {
	state  chunkState
	fileID string
}

// ChunkRecord is the externally visible state of one chunk.
type ChunkRecord struct {
	Index         int    `json:"index"`
	StagingFileID string `json:"stagingFileId,omitempty"`
	Done          bool   `json:"done"`
}

type session struct {
	id          string
	direction   Direction
	totalSize   int64
	chunkSize   int64
	storageName string
	fileID      string
	endpoints   []string
	createdAt   time.Time

	finalizing atomic.Bool

	mu     sync.Mutex
	state  State
	chunks []chunk
	done   int
	closed bool
}

func (s *session) complete() bool {
	return s.done == len(s.chunks)
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID          string        `json:"id"`
	Direction   string        `json:"direction"`
	State       string        `json:"state"`
	TotalSize   int64         `json:"totalSize"`
	ChunkSize   int64         `json:"chunkSize"`
	ChunkCount  int           `json:"chunkCount"`
	ChunksDone  int           `json:"chunksDone"`
	Endpoints   []string      `json:"endpoints"`
	StorageName string        `json:"storage"`
	FileID      string        `json:"fileId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Chunks      []ChunkRecord `json:"-"`
}

// EndpointFor returns the endpoint assigned to chunk index.
func (s Snapshot) EndpointFor(index int) string {
	if len(s.Endpoints) == 0 {
		return ""
	}
	return s.Endpoints[index%len(s.Endpoints)]
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ChunkRecord, len(s.chunks))
	for i, c := range s.chunks {
		records[i] = ChunkRecord{Index: i, StagingFileID: c.fileID, Done: c.state == chunkDone}
	}
	return Snapshot{
		ID:          s.id,
		Direction:   s.direction.String(),
		State:       s.state.String(),
		TotalSize:   s.totalSize,
		ChunkSize:   s.chunkSize,
		ChunkCount:  len(s.chunks),
		ChunksDone:  s.done,
		Endpoints:   append([]string(nil), s.endpoints...),
		StorageName: s.storageName,
		FileID:      s.fileID,
		CreatedAt:   s.createdAt,
		Chunks:      records,
	}
}

// ChunkCount returns ceil(total/chunkSize).
func ChunkCount(total, chunkSize int64) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((total + chunkSize - 1) / chunkSize)
}

// ChunkLength returns the byte length of chunk index. Only the last chunk may be short.
func ChunkLength(total, chunkSize int64, index int) int64 {
	remaining := total - int64(index)*chunkSize
	if remaining < 0 {
		return 0
	}
	if remaining < chunkSize {
		return remaining
	}
	return chunkSize
}
