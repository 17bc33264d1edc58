package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/volatilevault/vault/internal/circuit"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/retry"
	"github.com/volatilevault/vault/pkg/utils"
)

// DynamicConfig configures a Dynamic provisioner.
type DynamicConfig struct {
	// HostLimit caps endpoints per session. Zero means unlimited.
	HostLimit int
	Retry     retry.Config
	Breaker   circuit.Config
	Logger    *utils.StructuredLogger
	// OnFailure is called once per failed allocate or release.
	OnFailure func(operation string, err error)
}

// Dynamic registers a fresh set of endpoints per session through a Registrar.
type Dynamic struct {
	name      string
	registrar Registrar
	limit     int
	retryer   *retry.Retryer
	breaker   *circuit.CircuitBreaker
	logger    *utils.StructuredLogger
	onFailure func(operation string, err error)

	mu       sync.Mutex
	sessions map[string][]Allocation
}

// NewDynamic creates a dynamic provisioner. name identifies it in logs and breaker state.
func NewDynamic(name string, registrar Registrar, config DynamicConfig) *Dynamic {
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}

	d := &Dynamic{
		name:      name,
		registrar: registrar,
		limit:     config.HostLimit,
		breaker:   circuit.NewCircuitBreaker(name, config.Breaker),
		logger:    logger.WithComponent("endpoint").WithField("provisioner", name),
		onFailure: config.OnFailure,
		sessions:  make(map[string][]Allocation),
	}
	if d.onFailure == nil {
		d.onFailure = func(string, error) {}
	}
	d.retryer = retry.New(config.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		d.logger.Warn("endpoint call failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		})
	})
	return d
}

// call runs fn through the breaker, retrying inside it.
func (d *Dynamic) call(ctx context.Context, fn func(context.Context) error) error {
	return d.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return d.retryer.DoWithContext(ctx, fn)
	})
}

// Allocate registers count endpoints in parallel. If any registration fails, the ones that
// succeeded are released and the combined error is returned.
func (d *Dynamic) Allocate(ctx context.Context, sessionID string, count int) ([]string, error) {
	if count < 0 {
		return nil, errors.Newf(errors.ErrCodeValidationFailed, "negative endpoint count %d", count)
	}
	if d.limit > 0 && count > d.limit {
		return nil, errors.Newf(errors.ErrCodeValidationFailed, "%d endpoints requested, limit is %d", count, d.limit)
	}
	if count == 0 {
		return nil, nil
	}

	d.mu.Lock()
	if _, exists := d.sessions[sessionID]; exists {
		d.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeInvalidState, "endpoints already allocated for %s", sessionID)
	}
	d.mu.Unlock()

	allocs := make([]Allocation, count)
	errs := make([]error, count)

	var g errgroup.Group
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			name := fmt.Sprintf("%s-%d", sessionID, i)
			errs[i] = d.call(ctx, func(ctx context.Context) error {
				alloc, err := d.registrar.Register(ctx, name)
				if err != nil {
					return err
				}
				allocs[i] = alloc
				return nil
			})
			return errs[i]
		})
	}

	if err := g.Wait(); err != nil {
		var succeeded []Allocation
		for i, alloc := range allocs {
			if errs[i] == nil {
				succeeded = append(succeeded, alloc)
			}
		}
		rollbackErr := d.releaseAll(context.WithoutCancel(ctx), succeeded)

		d.logger.Error("endpoint allocation failed", map[string]interface{}{
			"session":     sessionID,
			"requested":   count,
			"succeeded":   len(succeeded),
			"error":       err,
			"rolled_back": rollbackErr == nil,
		})
		wrapped := errors.Wrap(multierr.Combine(append(errs, rollbackErr)...), errors.ErrCodeProvisioningFailed,
			fmt.Sprintf("allocated %d of %d endpoints", len(succeeded), count)).
			WithComponent("endpoint").
			WithOperation("allocate")
		d.onFailure("allocate", wrapped)
		return nil, wrapped
	}

	d.mu.Lock()
	d.sessions[sessionID] = allocs
	d.mu.Unlock()

	addrs := make([]string, count)
	for i, alloc := range allocs {
		addrs[i] = alloc.Address
	}
	d.logger.Info("allocated endpoints", map[string]interface{}{"session": sessionID, "count": count})
	return addrs, nil
}

// IsReady reports whether every endpoint of sessionID is deployed. A session without
// allocations is ready.
func (d *Dynamic) IsReady(ctx context.Context, sessionID string) (bool, error) {
	d.mu.Lock()
	allocs := d.sessions[sessionID]
	d.mu.Unlock()

	for _, alloc := range allocs {
		deployed, err := d.registrar.IsDeployed(ctx, alloc)
		if err != nil {
			return false, errors.Wrap(err, errors.ErrCodeProvisioningFailed, "query endpoint status").
				WithComponent("endpoint").
				WithContext("endpoint", alloc.ID)
		}
		if !deployed {
			return false, nil
		}
	}
	return true, nil
}

// Release deprovisions every endpoint of sessionID. The session is detached first, so a
// concurrent or repeated release is a no-op.
func (d *Dynamic) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	allocs, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	if err := d.releaseAll(ctx, allocs); err != nil {
		d.logger.Error("endpoint release failed", map[string]interface{}{"session": sessionID, "error": err})
		d.onFailure("release", err)
		return err
	}
	d.logger.Info("released endpoints", map[string]interface{}{"session": sessionID, "count": len(allocs)})
	return nil
}

// ReleaseAll releases every outstanding session. Used on shutdown.
func (d *Dynamic) ReleaseAll(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	var err error
	for _, id := range ids {
		err = multierr.Append(err, d.Release(ctx, id))
	}
	return err
}

func (d *Dynamic) releaseAll(ctx context.Context, allocs []Allocation) error {
	if len(allocs) == 0 {
		return nil
	}

	errs := make([]error, len(allocs))
	var g errgroup.Group
	for i, alloc := range allocs {
		i, alloc := i, alloc
		g.Go(func() error {
			errs[i] = d.call(ctx, func(ctx context.Context) error {
				return d.registrar.Release(ctx, alloc)
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return errors.Wrap(err, errors.ErrCodeReleaseFailed, "release endpoints").
			WithComponent("endpoint").
			WithOperation("release")
	}
	return nil
}

func (d *Dynamic) Mode() Mode {
	return ModeDynamic
}

func (d *Dynamic) HostLimit() int {
	return d.limit
}

// Outstanding returns the number of sessions holding endpoints.
func (d *Dynamic) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Hosts returns the addresses currently held by sessions.
func (d *Dynamic) Hosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var hosts []string
	for _, allocs := range d.sessions {
		for _, a := range allocs {
			hosts = append(hosts, a.Address)
		}
	}
	return hosts
}

// BreakerState exposes the circuit breaker state for health reporting.
func (d *Dynamic) BreakerState() circuit.State {
	return d.breaker.GetState()
}

// BreakerCounts returns the registrar call counts of the current breaker window.
func (d *Dynamic) BreakerCounts() circuit.Counts {
	return d.breaker.GetCounts()
}

// Name returns the provisioner name.
func (d *Dynamic) Name() string {
	return d.breaker.Name()
}
