// Package reclaim runs the periodic expiry of transfer sessions and stored files.
package reclaim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/pkg/health"
	"github.com/volatilevault/vault/pkg/utils"
)

// DefaultInterval is the tick interval when none is configured.
const DefaultInterval = time.Minute

// HealthComponent is the name the loop reports under.
const HealthComponent = "reclaim"

// Expirer closes sessions older than their time-to-live.
type Expirer interface {
	Name() string
	Expire(ctx context.Context, now time.Time) int
}

// NamedSweeper is a storage backend with retention.
type NamedSweeper interface {
	extension.Sweeper
	Name() string
}

// Recorder receives reclamation counts.
type Recorder interface {
	SessionsReclaimed(exfil string, n int)
	FilesReclaimed(storage string, n int)
}

// Config configures a Loop.
type Config struct {
	Interval time.Duration
	Expirers []Expirer
	Sweepers []NamedSweeper
	Health   *health.Tracker
	Recorder Recorder
	Logger   *utils.StructuredLogger
}

// Result summarizes one tick.
type Result struct {
	Sessions int
	Files    int
}

// Loop is the background reclamation loop.
type Loop struct {
	config Config
	logger *utils.StructuredLogger
	now    func() time.Time

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a stopped loop.
func New(config Config) *Loop {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.Health != nil {
		config.Health.RegisterComponent(HealthComponent, nil)
	}
	return &Loop{
		config: config,
		logger: logger.WithComponent("reclaim"),
		now:    time.Now,
	}
}

// Start launches the loop. It runs until Stop or until ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("reclaim loop already started")
	}
	l.started = true
	l.stopCh = make(chan struct{})

	l.wg.Add(1)
	go l.run(ctx, l.stopCh)

	l.logger.Info("reclaim loop started", map[string]interface{}{
		"interval": l.config.Interval.String(),
		"expirers": len(l.config.Expirers),
		"sweepers": len(l.config.Sweepers),
	})
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = l.Tick(ctx)
		}
	}
}

// Tick runs one reclamation pass: session expiry first, then storage sweeps. Sweep errors are
// combined; one failing backend does not stop the others.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	now := l.now()
	var result Result
	var errs error

	for _, e := range l.config.Expirers {
		n := e.Expire(ctx, now)
		result.Sessions += n
		if n > 0 && l.config.Recorder != nil {
			l.config.Recorder.SessionsReclaimed(e.Name(), n)
		}
	}

	for _, s := range l.config.Sweepers {
		n, err := s.Sweep(ctx, now)
		result.Files += n
		if n > 0 && l.config.Recorder != nil {
			l.config.Recorder.FilesReclaimed(s.Name(), n)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep %s: %w", s.Name(), err))
		}
	}

	if h := l.config.Health; h != nil {
		if errs != nil {
			h.RecordError(HealthComponent, errs)
		} else {
			h.RecordSuccess(HealthComponent)
		}
	}

	fields := map[string]interface{}{"sessions": result.Sessions, "files": result.Files}
	switch {
	case errs != nil:
		fields["error"] = errs
		l.logger.Warn("reclaim tick failed", fields)
	case result.Sessions > 0 || result.Files > 0:
		l.logger.Info("reclaimed", fields)
	default:
		l.logger.Trace("reclaim tick", fields)
	}
	return result, errs
}
