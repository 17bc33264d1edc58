package transfer

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volatilevault/vault/internal/circuit"
	"github.com/volatilevault/vault/internal/endpoint"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/internal/staging"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/retry"
)

// cdnRegistrar hands out fake distributions. While hold is open, Release blocks.
type cdnRegistrar struct {
	mu       sync.Mutex
	active   map[string]endpoint.Allocation
	released []string
	deployed bool
	hold     chan struct{}
}

func newCDNRegistrar(deployed bool) *cdnRegistrar {
	return &cdnRegistrar{active: make(map[string]endpoint.Allocation), deployed: deployed}
}

func (r *cdnRegistrar) Register(ctx context.Context, name string) (endpoint.Allocation, error) {
	alloc := endpoint.Allocation{ID: "dist-" + name, Address: name + ".cdn.example"}
	r.mu.Lock()
	r.active[alloc.ID] = alloc
	r.mu.Unlock()
	return alloc, nil
}

func (r *cdnRegistrar) Release(ctx context.Context, alloc endpoint.Allocation) error {
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, alloc.ID)
	r.released = append(r.released, alloc.ID)
	return nil
}

func (r *cdnRegistrar) IsDeployed(ctx context.Context, alloc endpoint.Allocation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployed, nil
}

func (r *cdnRegistrar) setDeployed(v bool) {
	r.mu.Lock()
	r.deployed = v
	r.mu.Unlock()
}

func (r *cdnRegistrar) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *cdnRegistrar) releasedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.released...)
	sort.Strings(out)
	return out
}

type dynamicFixture struct {
	m        *Manager
	storage  *memStorage
	staging  *staging.Store
	upload   *cdnRegistrar
	download *cdnRegistrar
	clock    *time.Time
}

func newDynamicFixture(t *testing.T, cfg Config, up, down *cdnRegistrar) *dynamicFixture {
	t.Helper()

	store, err := staging.Open(t.TempDir(), staging.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := extension.NewRegistry()
	storage := newMemStorage("mem")
	require.NoError(t, registry.RegisterStorage(storage))

	provisioner := func(name string, reg *cdnRegistrar) *endpoint.Dynamic {
		return endpoint.NewDynamic(name, reg, endpoint.DynamicConfig{
			Retry:   retry.Config{MaxAttempts: 1},
			Breaker: circuit.Config{ConsecutiveFailures: 100},
		})
	}

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 4
	}
	m, err := NewManager("cdn", cfg, Dependencies{
		Registry:            registry,
		Staging:             store,
		UploadProvisioner:   provisioner("cdn/upload", up),
		DownloadProvisioner: provisioner("cdn/download", down),
	})
	require.NoError(t, err)

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &dynamicFixture{m: m, storage: storage, staging: store, upload: up, download: down, clock: &clock}
	m.now = func() time.Time { return *f.clock }
	return f
}

func TestDynamicSession_ReadyOnceDeployed(t *testing.T) {
	up := newCDNRegistrar(false)
	f := newDynamicFixture(t, Config{}, up, newCDNRegistrar(true))
	ctx := context.Background()

	snap, err := f.m.CreateUploadSession(ctx, "mem", 12)
	require.NoError(t, err)
	assert.Equal(t, StateProvisioning.String(), snap.State)
	assert.Len(t, snap.Endpoints, 3)
	assert.Equal(t, 3, up.activeCount())

	ready, err := f.m.IsReady(ctx, snap.ID)
	require.NoError(t, err)
	assert.False(t, ready)
	snap, err = f.m.Snapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProvisioning.String(), snap.State)

	up.setDeployed(true)
	ready, err = f.m.IsReady(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, ready)
	snap, err = f.m.Snapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady.String(), snap.State)
}

func TestDynamicSession_FinalizeDoesNotWaitForRelease(t *testing.T) {
	up := newCDNRegistrar(true)
	up.hold = make(chan struct{})
	f := newDynamicFixture(t, Config{}, up, newCDNRegistrar(true))
	ctx := context.Background()

	snap, err := f.m.CreateUploadSession(ctx, "mem", 8)
	require.NoError(t, err)
	_, err = f.m.ReceiveChunk(ctx, snap.ID, 0, bytes.NewReader([]byte("abcd")))
	require.NoError(t, err)

	type result struct {
		info *extension.FileInfo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := f.m.ReceiveChunk(ctx, snap.ID, 1, bytes.NewReader([]byte("efgh")))
		done <- result{info, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.info)
		assert.Equal(t, "abcdefgh", string(f.storage.file(res.info.ID)))
	case <-time.After(5 * time.Second):
		t.Fatal("finalizing chunk waited on endpoint release")
	}

	_, err = f.m.Snapshot(snap.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownTransfer))
	files, err := f.staging.List(ctx, snap.ID)
	require.NoError(t, err)
	assert.Empty(t, files, "staged chunks are removed before the response")
	assert.Equal(t, 2, up.activeCount(), "release still in flight")

	close(up.hold)
	require.NoError(t, f.m.Wait(ctx))
	assert.Zero(t, up.activeCount())
	assert.Equal(t, []string{"dist-" + snap.ID + "-0", "dist-" + snap.ID + "-1"}, up.releasedIDs())
}

func TestDynamicSession_TerminateReleasesDownloadEndpoints(t *testing.T) {
	down := newCDNRegistrar(true)
	f := newDynamicFixture(t, Config{}, newCDNRegistrar(true), down)
	ctx := context.Background()
	f.storage.files["stored"] = []byte("0123456789")

	snap, err := f.m.CreateDownloadSession(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, 3, down.activeCount())

	for i := 0; i < snap.ChunkCount; i++ {
		r, _, err := f.m.FetchChunk(ctx, snap.ID, i)
		require.NoError(t, err)
		r.Close()
	}
	require.NoError(t, f.m.TerminateDownload(ctx, snap.ID))
	require.NoError(t, f.m.Wait(ctx))

	assert.Zero(t, down.activeCount())
	assert.Len(t, down.releasedIDs(), 3)
}

func TestDynamicSession_ExpireReleasesConcurrently(t *testing.T) {
	up := newCDNRegistrar(true)
	up.hold = make(chan struct{})
	f := newDynamicFixture(t, Config{UploadTTL: time.Minute}, up, newCDNRegistrar(true))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.m.CreateUploadSession(ctx, "mem", 8)
		require.NoError(t, err)
	}
	assert.Equal(t, 6, up.activeCount())

	expired := make(chan int, 1)
	go func() { expired <- f.m.Expire(ctx, f.clock.Add(time.Minute)) }()
	select {
	case n := <-expired:
		assert.Equal(t, 3, n)
	case <-time.After(5 * time.Second):
		t.Fatal("expiry waited on endpoint release")
	}
	assert.Empty(t, f.m.List())

	close(up.hold)
	require.NoError(t, f.m.Wait(ctx))
	assert.Zero(t, up.activeCount())
	assert.Len(t, up.releasedIDs(), 6)
}

func TestDynamicSession_CloseWaitsForReleases(t *testing.T) {
	up := newCDNRegistrar(true)
	up.hold = make(chan struct{})
	f := newDynamicFixture(t, Config{}, up, newCDNRegistrar(true))
	ctx := context.Background()

	_, err := f.m.CreateUploadSession(ctx, "mem", 4)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = f.m.Close(short)
	assert.True(t, errors.IsCode(err, errors.ErrCodeReleaseFailed), "%v", err)
	assert.Empty(t, f.m.List())

	close(up.hold)
	require.NoError(t, f.m.Close(ctx))
	assert.Zero(t, up.activeCount())
}
