// Package endpoint allocates the public hosts a chunked transfer is spread across.
//
// A Static provisioner hands out addresses from a configured pool. A Dynamic provisioner
// registers fresh endpoints through a Registrar for every transfer and tears them down when
// the transfer ends.
package endpoint

import (
	"context"
	"fmt"
)

// Mode is the allocation mode of a provisioner.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// ParseMode parses a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStatic, ModeDynamic:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown endpoint mode %q", s)
}

// Provisioner allocates endpoints for transfer sessions.
type Provisioner interface {
	// Allocate returns count ordered endpoint addresses bound to sessionID.
	Allocate(ctx context.Context, sessionID string, count int) ([]string, error)
	// IsReady reports whether every endpoint of sessionID accepts traffic.
	IsReady(ctx context.Context, sessionID string) (bool, error)
	// Release frees the endpoints of sessionID. Releasing an unknown session is a no-op.
	Release(ctx context.Context, sessionID string) error
	Mode() Mode
	// HostLimit caps the endpoints of one session. Zero means unlimited.
	HostLimit() int
}

// Allocation is one provisioned endpoint.
type Allocation struct {
	// ID is the provider handle needed to release the endpoint.
	ID      string
	Address string
}

// Registrar creates and destroys single endpoints at an external provider.
type Registrar interface {
	Register(ctx context.Context, name string) (Allocation, error)
	Release(ctx context.Context, alloc Allocation) error
	IsDeployed(ctx context.Context, alloc Allocation) (bool, error)
}
