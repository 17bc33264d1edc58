package endpoint

import (
	"context"
	"sync/atomic"

	"github.com/volatilevault/vault/pkg/errors"
)

// Static draws endpoints from a fixed pool with a round-robin cursor. Each direction gets its
// own instance so upload and download cursors advance independently.
type Static struct {
	hosts  []string
	cursor atomic.Uint64
}

// NewStatic creates a static provisioner over hosts.
func NewStatic(hosts []string) (*Static, error) {
	if len(hosts) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "static endpoint pool is empty")
	}
	return &Static{hosts: append([]string(nil), hosts...)}, nil
}

// Allocate assigns hosts[(start+i) % P] to the i-th endpoint. The cursor moves by count, and by
// one extra step when count is a multiple of P, so two consecutive allocations never begin at
// the same offset.
func (s *Static) Allocate(ctx context.Context, sessionID string, count int) ([]string, error) {
	if count < 0 {
		return nil, errors.Newf(errors.ErrCodeValidationFailed, "negative endpoint count %d", count)
	}
	if count == 0 {
		return nil, nil
	}

	p := uint64(len(s.hosts))
	step := uint64(count)
	if step%p == 0 {
		step++
	}
	end := s.cursor.Add(step)
	start := end - step

	addrs := make([]string, count)
	for i := range addrs {
		addrs[i] = s.hosts[(start+uint64(i))%p]
	}
	return addrs, nil
}

func (s *Static) IsReady(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

func (s *Static) Release(ctx context.Context, sessionID string) error {
	return nil
}

func (s *Static) Mode() Mode {
	return ModeStatic
}

// HostLimit is the pool size.
func (s *Static) HostLimit() int {
	return len(s.hosts)
}

// Hosts returns the configured pool.
func (s *Static) Hosts() []string {
	return append([]string(nil), s.hosts...)
}
