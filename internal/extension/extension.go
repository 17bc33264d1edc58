// Package extension defines the storage and exfil backend contracts and the registry that
// holds the live instances for the lifetime of the process.
package extension

import (
	"context"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
)

// State is the initialization state of an extension instance.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateInitializationError
	StateUnconfigured
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateInitializationError:
		return "initialization_error"
	case StateUnconfigured:
		return "unconfigured"
	default:
		return "unknown"
	}
}

// Capabilities is a bit set describing what a backend can do.
type Capabilities uint8

const (
	UploadSingle Capabilities = 1 << iota
	DownloadSingle
	UploadChunked
	DownloadChunked
)

// Has reports whether every capability in want is set.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// Info is the client-facing description of an extension instance.
type Info struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	DisplayName string                 `json:"displayName"`
	Description string                 `json:"description,omitempty"`
	Info        map[string]interface{} `json:"info,omitempty"`
}

// FileInfo describes a stored file.
type FileInfo struct {
	ID        string
	Size      int64
	CreatedAt time.Time
	// URL is a direct download link, set when the storage can produce one.
	URL string
	// LifeTime is how long the storage retains the file. Zero means no expiry.
	LifeTime time.Duration
}

// Extension is implemented by every backend.
type Extension interface {
	Name() string
	Type() string
	State() State
	Info() Info
}

// StorageProvider persists finished files.
type StorageProvider interface {
	Extension
	Has(ctx context.Context, id string) (bool, error)
	Store(ctx context.Context, r io.Reader, size int64) (FileInfo, error)
	Retrieve(ctx context.Context, id string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, id string) error
}

// Sweeper is implemented by storages that drop files past their retention.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// ExfilProvider is a transport that clients use to move data in and out.
type ExfilProvider interface {
	Extension
	Capabilities() Capabilities
	// Hosts lists the statically configured public hosts of this transport.
	Hosts() []string
	// Mount installs the transport's routes on router.
	Mount(router fiber.Router)
}
