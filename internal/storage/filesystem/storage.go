// Package filesystem stores files on local disk through a staging store of its own.
package filesystem

import (
	"context"
	"io"
	"time"

	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/internal/staging"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

// Type is the configured type name of this backend.
const Type = "filesystem"

const namespace = "files"

// Config configures the backend.
type Config struct {
	DisplayName string
	Description string
	// Folder is wiped on startup.
	Folder string
	// FileExpiry is how long a file is kept. Zero keeps files until shutdown.
	FileExpiry time.Duration
	// MaxSize bounds a single file. Zero means unbounded.
	MaxSize int64
}

// Storage is a filesystem storage backend.
type Storage struct {
	name   string
	config Config
	store  *staging.Store
	logger *utils.StructuredLogger
}

var (
	_ extension.StorageProvider = (*Storage)(nil)
	_ extension.Sweeper         = (*Storage)(nil)
)

// New opens the backend, discarding any files from a previous run.
func New(name string, cfg Config, logger *utils.StructuredLogger) (*Storage, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = name
	}
	logger = logger.WithComponent("filesystem").WithField("storage", name)

	store, err := staging.Open(cfg.Folder, staging.Options{Reset: true, Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.Info("filesystem storage ready", map[string]interface{}{
		"folder":      cfg.Folder,
		"file_expiry": cfg.FileExpiry.String(),
		"max_size":    utils.FormatBytes(cfg.MaxSize),
	})
	return &Storage{name: name, config: cfg, store: store, logger: logger}, nil
}

func (s *Storage) Name() string { return s.name }
func (s *Storage) Type() string { return Type }

func (s *Storage) State() extension.State {
	return extension.StateInitialized
}

func (s *Storage) Info() extension.Info {
	return extension.Info{
		Name:        s.name,
		Type:        Type,
		DisplayName: s.config.DisplayName,
		Description: s.config.Description,
		Info: map[string]interface{}{
			"maxSize":    s.config.MaxSize,
			"fileExpiry": s.config.FileExpiry.Milliseconds(),
		},
	}
}

func (s *Storage) Has(ctx context.Context, id string) (bool, error) {
	return s.store.Has(ctx, id)
}

// Store writes r, which must yield exactly size bytes.
func (s *Storage) Store(ctx context.Context, r io.Reader, size int64) (extension.FileInfo, error) {
	if s.config.MaxSize > 0 && size > s.config.MaxSize {
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeSizeExceeded, "file of %s exceeds limit of %s",
			utils.FormatBytes(size), utils.FormatBytes(s.config.MaxSize))
	}

	file, err := s.store.Put(ctx, namespace, io.LimitReader(r, size+1))
	if err != nil {
		return extension.FileInfo{}, errors.Wrap(err, errors.ErrCodeStorageWrite, "store file").WithComponent(s.name)
	}
	if file.Size != size {
		_ = s.store.Remove(context.WithoutCancel(ctx), file.ID)
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeStorageWrite, "read %d bytes, expected %d", file.Size, size)
	}

	s.logger.Debug("file stored", map[string]interface{}{"file": file.ID, "size": size})
	return extension.FileInfo{
		ID:        file.ID,
		Size:      file.Size,
		CreatedAt: file.CreatedAt,
		LifeTime:  s.config.FileExpiry,
	}, nil
}

func (s *Storage) Retrieve(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	r, file, err := s.store.Open(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return r, file.Size, nil
}

func (s *Storage) Remove(ctx context.Context, id string) error {
	return s.store.Remove(ctx, id)
}

// Sweep removes files older than the configured expiry.
func (s *Storage) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.config.FileExpiry <= 0 {
		return 0, nil
	}
	n, err := s.store.Sweep(ctx, namespace, now.Add(-s.config.FileExpiry))
	if n > 0 {
		s.logger.Info("expired files removed", map[string]interface{}{"count": n})
	}
	return n, err
}

// Ping checks that the index is usable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.store.Has(ctx, "")
	return err
}

// Close releases the index.
func (s *Storage) Close() error {
	return s.store.Close()
}
