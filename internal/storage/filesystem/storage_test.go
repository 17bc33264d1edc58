package filesystem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volatilevault/vault/pkg/errors"
)

func newStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	if cfg.Folder == "" {
		cfg.Folder = filepath.Join(t.TempDir(), "files")
	}
	s, err := New("local", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRetrieveRemove(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t, Config{FileExpiry: time.Hour})

	info, err := s.Store(ctx, strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, time.Hour, info.LifeTime)

	ok, err := s.Has(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	r, size, err := s.Retrieve(ctx, info.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Remove(ctx, info.ID))
	ok, err = s.Has(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Retrieve(ctx, info.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownFile))
}

func TestStoreSizeChecks(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t, Config{MaxSize: 4})

	_, err := s.Store(ctx, strings.NewReader("hello"), 5)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSizeExceeded))

	_, err = s.Store(ctx, strings.NewReader("abc"), 4)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageWrite))

	_, err = s.Store(ctx, strings.NewReader("abcdef"), 2)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageWrite))

	info, err := s.Store(ctx, bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Zero(t, info.Size)
}

func TestFolderResetOnStartup(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "files")
	require.NoError(t, os.MkdirAll(folder, 0o700))
	leftover := filepath.Join(folder, "leftover")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o600))

	newStorage(t, Config{Folder: folder})
	_, err := os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t, Config{FileExpiry: time.Minute})

	info, err := s.Store(ctx, strings.NewReader("data"), 4)
	require.NoError(t, err)

	n, err := s.Sweep(ctx, info.CreatedAt.Add(time.Minute-time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Sweep(ctx, info.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Has(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t, Config{})

	_, err := s.Store(ctx, strings.NewReader("data"), 4)
	require.NoError(t, err)

	n, err := s.Sweep(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, s.Ping(ctx))
}
