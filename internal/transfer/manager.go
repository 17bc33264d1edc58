// Package transfer owns the lifecycle of chunked upload and download sessions.
//
// A session is created with its chunk layout and endpoints fixed. Uploaded chunks are staged
// per slot; when the last one lands the staged chunks are joined in index order and handed to
// the target storage. Downloads are split into staged chunks up front and served by index.
// Every session leaves the active set exactly once, through finalize, terminate, expiry or
// shutdown, and only the caller that removes it releases its endpoints and staged files.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volatilevault/vault/internal/endpoint"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/internal/staging"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

// Close reasons reported to the Recorder.
const (
	ReasonFinalized  = "finalized"
	ReasonTerminated = "terminated"
	ReasonExpired    = "expired"
	ReasonShutdown   = "shutdown"
)

// Recorder receives session metrics.
type Recorder interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	SessionOpened(direction string)
	SessionClosed(direction, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, time.Duration, int64, bool) {}
func (nopRecorder) SessionOpened(string)                               {}
func (nopRecorder) SessionClosed(string, string)                       {}

// Config holds the chunk layout and session lifetimes.
type Config struct {
	ChunkSize int64
	// MaxTotalSize bounds declared upload sizes. Zero means unbounded.
	MaxTotalSize int64
	UploadTTL    time.Duration
	DownloadTTL  time.Duration
}

// Dependencies are the collaborators of a Manager.
type Dependencies struct {
	Registry            *extension.Registry
	Staging             *staging.Store
	UploadProvisioner   endpoint.Provisioner
	DownloadProvisioner endpoint.Provisioner
	Recorder            Recorder
	Logger              *utils.StructuredLogger
}

// Manager tracks the active sessions of one chunked exfil.
type Manager struct {
	name     string
	config   Config
	registry *extension.Registry
	staging  *staging.Store
	uploads  endpoint.Provisioner
	downs    endpoint.Provisioner
	recorder Recorder
	logger   *utils.StructuredLogger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	// releases tracks endpoint releases still running after their session closed.
	releases sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(name string, config Config, deps Dependencies) (*Manager, error) {
	if config.ChunkSize <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "chunk size must be positive")
	}
	if deps.Registry == nil || deps.Staging == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "registry and staging store are required")
	}
	if deps.UploadProvisioner == nil || deps.DownloadProvisioner == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "upload and download provisioners are required")
	}
	if config.UploadTTL <= 0 {
		config.UploadTTL = time.Hour
	}
	if config.DownloadTTL <= 0 {
		config.DownloadTTL = time.Hour
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	return &Manager{
		name:     name,
		config:   config,
		registry: deps.Registry,
		staging:  deps.Staging,
		uploads:  deps.UploadProvisioner,
		downs:    deps.DownloadProvisioner,
		recorder: recorder,
		logger:   logger.WithComponent("transfer").WithField("exfil", name),
		now:      time.Now,
		sessions: make(map[string]*session),
	}, nil
}

// Name returns the exfil this manager belongs to.
func (m *Manager) Name() string {
	return m.name
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) provisioner(d Direction) endpoint.Provisioner {
	if d == Download {
		return m.downs
	}
	return m.uploads
}

func (m *Manager) ttl(d Direction) time.Duration {
	if d == Download {
		return m.config.DownloadTTL
	}
	return m.config.UploadTTL
}

func hostCount(chunks int, p endpoint.Provisioner) int {
	if limit := p.HostLimit(); limit > 0 && chunks > limit {
		return limit
	}
	return chunks
}

func initialState(chunks int, p endpoint.Provisioner) State {
	switch {
	case chunks == 0:
		return StateComplete
	case p.Mode() == endpoint.ModeDynamic:
		return StateProvisioning
	default:
		return StateReady
	}
}

func (m *Manager) insert(s *session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.recorder.SessionOpened(s.direction.String())
}

func (m *Manager) get(id string, d Direction) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.direction != d {
		return nil, errors.Newf(errors.ErrCodeUnknownTransfer, "%s transfer %s not found", d, id)
	}
	return s, nil
}

// detach removes id from the active set unless skip reports true for it. The removed session is
// returned to exactly one caller.
func (m *Manager) detach(id string, skip func(*session) bool) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	s.mu.Lock()
	if skip != nil && skip(s) {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()
	delete(m.sessions, id)
	return s
}

// cleanup deletes the staged files of s and releases its endpoints. Failures are logged; the
// age sweep of the staging store collects files left behind.
func (m *Manager) cleanup(ctx context.Context, s *session, reason string) {
	ctx = context.WithoutCancel(ctx)

	if _, err := m.staging.RemoveNamespace(ctx, s.id); err != nil {
		m.logger.Warn("failed to delete staged chunks", map[string]interface{}{"transfer": s.id, "error": err})
	}
	m.release(ctx, s)
	m.recorder.SessionClosed(s.direction.String(), reason)
	m.logger.Info("transfer closed", map[string]interface{}{
		"transfer":  s.id,
		"direction": s.direction.String(),
		"reason":    reason,
	})
}

// release returns the session's endpoints in the background. Deprovisioning a dynamic endpoint
// can take minutes, and the request that closed the session must not wait for it.
func (m *Manager) release(ctx context.Context, s *session) {
	provisioner := m.provisioner(s.direction)
	m.releases.Add(1)
	go func() {
		defer m.releases.Done()
		if err := provisioner.Release(ctx, s.id); err != nil {
			m.logger.Error("failed to release endpoints", map[string]interface{}{"transfer": s.id, "error": err})
		}
	}()
}

// Wait blocks until every endpoint release started so far has finished, or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.releases.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeReleaseFailed,
			fmt.Sprintf("exfil %s: endpoint releases still running", m.name))
	}
}

// CreateUploadSession opens an upload of declaredSize bytes into storageName.
func (m *Manager) CreateUploadSession(ctx context.Context, storageName string, declaredSize int64) (Snapshot, error) {
	if declaredSize < 0 {
		return Snapshot{}, errors.Newf(errors.ErrCodeInvalidSize, "invalid size %d", declaredSize)
	}
	if m.config.MaxTotalSize > 0 && declaredSize > m.config.MaxTotalSize {
		return Snapshot{}, errors.Newf(errors.ErrCodeSizeExceeded, "size %s exceeds limit of %s",
			utils.FormatBytes(declaredSize), utils.FormatBytes(m.config.MaxTotalSize))
	}
	if _, err := m.registry.Storage(storageName); err != nil {
		return Snapshot{}, err
	}

	start := m.now()
	count := ChunkCount(declaredSize, m.config.ChunkSize)
	id := uuid.NewString()

	addrs, err := m.uploads.Allocate(ctx, id, hostCount(count, m.uploads))
	if err != nil {
		m.recorder.RecordOperation("init_upload", m.now().Sub(start), declaredSize, false)
		return Snapshot{}, err
	}

	s := &session{
		id:          id,
		direction:   Upload,
		totalSize:   declaredSize,
		chunkSize:   m.config.ChunkSize,
		storageName: storageName,
		endpoints:   addrs,
		createdAt:   m.now(),
		state:       initialState(count, m.uploads),
		chunks:      make([]chunk, count),
	}
	m.insert(s)

	m.recorder.RecordOperation("init_upload", m.now().Sub(start), declaredSize, true)
	m.logger.Info("upload started", map[string]interface{}{
		"transfer":  id,
		"storage":   storageName,
		"size":      declaredSize,
		"chunks":    count,
		"endpoints": len(addrs),
	})
	return s.snapshot(), nil
}

// CreateDownloadSession opens a download of fileID. The file is split into staged chunks before
// endpoints are allocated, so no chunk request can observe a partial split.
func (m *Manager) CreateDownloadSession(ctx context.Context, fileID string) (Snapshot, error) {
	start := m.now()
	storage, err := m.registry.StorageForFile(ctx, fileID)
	if err != nil {
		return Snapshot{}, err
	}

	r, size, err := storage.Retrieve(ctx, fileID)
	if err != nil {
		return Snapshot{}, err
	}
	defer r.Close()
	if size < 0 {
		return Snapshot{}, errors.Newf(errors.ErrCodeStorageRead, "unknown size for %s", fileID)
	}

	id := uuid.NewString()
	count := ChunkCount(size, m.config.ChunkSize)
	chunks := make([]chunk, count)

	fail := func(err error) (Snapshot, error) {
		if _, rmErr := m.staging.RemoveNamespace(context.WithoutCancel(ctx), id); rmErr != nil {
			m.logger.Warn("failed to delete partial split", map[string]interface{}{"transfer": id, "error": rmErr})
		}
		m.recorder.RecordOperation("init_download", m.now().Sub(start), size, false)
		return Snapshot{}, err
	}

	for i := range chunks {
		want := ChunkLength(size, m.config.ChunkSize, i)
		f, err := m.staging.PutSlot(ctx, id, i, io.LimitReader(r, want))
		if err != nil {
			return fail(err)
		}
		if f.Size != want {
			return fail(errors.Newf(errors.ErrCodeStorageRead,
				"file %s ended after %d bytes, expected %d", fileID, int64(i)*m.config.ChunkSize+f.Size, size))
		}
		chunks[i].fileID = f.ID
	}

	addrs, err := m.downs.Allocate(ctx, id, hostCount(count, m.downs))
	if err != nil {
		return fail(err)
	}

	s := &session{
		id:          id,
		direction:   Download,
		totalSize:   size,
		chunkSize:   m.config.ChunkSize,
		storageName: storage.Name(),
		fileID:      fileID,
		endpoints:   addrs,
		createdAt:   m.now(),
		state:       initialState(count, m.downs),
		chunks:      chunks,
	}
	m.insert(s)

	m.recorder.RecordOperation("init_download", m.now().Sub(start), size, true)
	m.logger.Info("download started", map[string]interface{}{
		"transfer":  id,
		"file":      fileID,
		"storage":   storage.Name(),
		"size":      size,
		"chunks":    count,
		"endpoints": len(addrs),
	})
	return s.snapshot(), nil
}

// IsReady reports whether every endpoint of the session is deployed.
func (m *Manager) IsReady(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false, errors.Newf(errors.ErrCodeUnknownTransfer, "transfer %s not found", id)
	}

	ready, err := m.provisioner(s.direction).IsReady(ctx, id)
	if err != nil || !ready {
		return false, err
	}

	s.mu.Lock()
	if s.state == StateProvisioning {
		s.state = StateReady
	}
	s.mu.Unlock()
	return true, nil
}

func checkIndex(s *session, index int) error {
	if index < 0 || index >= len(s.chunks) {
		return errors.Newf(errors.ErrCodeInvalidChunkIndex, "chunk %d out of range [0, %d)", index, len(s.chunks))
	}
	return nil
}

func checkOpen(s *session) error {
	if s.closed {
		return errors.Newf(errors.ErrCodeUnknownTransfer, "transfer %s not found", s.id)
	}
	switch s.state {
	case StateFinalizing, StateFailed:
		return errors.Newf(errors.ErrCodeInvalidState, "transfer %s is %s", s.id, s.state)
	}
	return nil
}

// RecordChunkReceived marks chunk index of an upload as done with its staged file. It reports
// whether the session is now complete; exactly one call per session observes true.
func (m *Manager) RecordChunkReceived(id string, index int, stagingFileID string) (bool, error) {
	s, err := m.get(id, Upload)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkIndex(s, index); err != nil {
		return false, err
	}
	if err := checkOpen(s); err != nil {
		return false, err
	}
	c := &s.chunks[index]
	if c.state == chunkDone {
		return false, errors.Newf(errors.ErrCodeChunkAlreadyDone, "chunk %d already received", index)
	}

	c.state = chunkDone
	c.fileID = stagingFileID
	s.done++
	if s.complete() {
		s.state = StateComplete
	} else {
		s.state = StateTransferring
	}
	return s.complete(), nil
}

// ReceiveChunk stages the body of chunk index and records it. The chunk must have exactly its
// expected length. When it completes the session the upload is finalized inline and the stored
// file is returned; only that request learns the file id.
func (m *Manager) ReceiveChunk(ctx context.Context, id string, index int, body io.Reader) (*extension.FileInfo, error) {
	start := m.now()
	s, err := m.get(id, Upload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := checkIndex(s, index); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := checkOpen(s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c := &s.chunks[index]
	switch c.state {
	case chunkDone:
		s.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeChunkAlreadyDone, "chunk %d already received", index)
	case chunkReceiving:
		s.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeChunkInProgress, "chunk %d is being received", index)
	}
	c.state = chunkReceiving
	want := ChunkLength(s.totalSize, s.chunkSize, index)
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if c.state == chunkReceiving {
			c.state = chunkPending
		}
		s.mu.Unlock()
	}

	f, err := m.staging.PutSlot(ctx, id, index, io.LimitReader(body, want+1))
	if err != nil {
		release()
		m.recorder.RecordOperation("upload_chunk", m.now().Sub(start), 0, false)
		return nil, err
	}
	if f.Size != want {
		_ = m.staging.Remove(context.WithoutCancel(ctx), f.ID)
		release()
		m.recorder.RecordOperation("upload_chunk", m.now().Sub(start), f.Size, false)
		code := errors.ErrCodeValidationFailed
		if f.Size > want {
			code = errors.ErrCodeSizeExceeded
		}
		return nil, errors.Newf(code, "chunk %d must be %d bytes", index, want)
	}

	complete, err := m.RecordChunkReceived(id, index, f.ID)
	if err != nil {
		_ = m.staging.Remove(context.WithoutCancel(ctx), f.ID)
		release()
		return nil, err
	}
	m.recorder.RecordOperation("upload_chunk", m.now().Sub(start), f.Size, true)

	if !complete {
		return nil, nil
	}
	info, err := m.FinalizeUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// FinalizeUpload joins the staged chunks in index order, stores the result and closes the
// session. It runs at most once per session. On failure the session is marked failed and left
// for expiry.
func (m *Manager) FinalizeUpload(ctx context.Context, id string) (extension.FileInfo, error) {
	start := m.now()
	s, err := m.get(id, Upload)
	if err != nil {
		return extension.FileInfo{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeUnknownTransfer, "transfer %s not found", id)
	}
	if s.state == StateFailed {
		s.mu.Unlock()
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeInvalidState, "transfer %s failed", id)
	}
	if !s.complete() {
		s.mu.Unlock()
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeInvalidState,
			"transfer %s has %d of %d chunks", id, s.done, len(s.chunks))
	}
	if !s.finalizing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeAlreadyFinalizing, "transfer %s is already finalizing", id)
	}
	s.state = StateFinalizing
	ids := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		ids[i] = c.fileID
	}
	s.mu.Unlock()

	info, err := m.store(ctx, s, ids)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		m.recorder.RecordOperation("finalize_upload", m.now().Sub(start), s.totalSize, false)
		m.logger.Error("finalize failed", map[string]interface{}{"transfer": id, "error": err})
		return extension.FileInfo{}, err
	}

	if detached := m.detach(id, nil); detached != nil {
		m.cleanup(ctx, detached, ReasonFinalized)
	}
	m.recorder.RecordOperation("finalize_upload", m.now().Sub(start), info.Size, true)
	m.logger.Info("upload stored", map[string]interface{}{
		"transfer": id,
		"storage":  s.storageName,
		"file":     info.ID,
		"size":     utils.FormatBytes(info.Size),
	})
	return info, nil
}

func (m *Manager) store(ctx context.Context, s *session, ids []string) (extension.FileInfo, error) {
	storage, err := m.registry.Storage(s.storageName)
	if err != nil {
		return extension.FileInfo{}, err
	}

	r, size, err := m.staging.Concat(ctx, ids)
	if err != nil {
		return extension.FileInfo{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "reassemble chunks").
			WithOperation("finalize")
	}
	defer r.Close()

	if size != s.totalSize {
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeStagingFailed,
			"reassembled %d bytes, declared %d", size, s.totalSize)
	}
	return storage.Store(ctx, r, size)
}

// FetchChunk opens the staged bytes of chunk index of a download and marks it fetched. A chunk
// may be fetched again.
func (m *Manager) FetchChunk(ctx context.Context, id string, index int) (io.ReadCloser, int64, error) {
	start := m.now()
	s, err := m.get(id, Download)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	if err := checkIndex(s, index); err != nil {
		s.mu.Unlock()
		return nil, 0, err
	}
	if s.closed {
		s.mu.Unlock()
		return nil, 0, errors.Newf(errors.ErrCodeUnknownTransfer, "transfer %s not found", id)
	}
	fileID := s.chunks[index].fileID
	s.mu.Unlock()

	r, f, err := m.staging.Open(ctx, fileID)
	if err != nil {
		m.recorder.RecordOperation("download_chunk", m.now().Sub(start), 0, false)
		return nil, 0, err
	}

	s.mu.Lock()
	if c := &s.chunks[index]; c.state != chunkDone {
		c.state = chunkDone
		s.done++
	}
	if s.complete() {
		s.state = StateComplete
	} else {
		s.state = StateTransferring
	}
	s.mu.Unlock()

	m.recorder.RecordOperation("download_chunk", m.now().Sub(start), f.Size, true)
	return r, f.Size, nil
}

// TerminateDownload closes a download once every chunk has been fetched at least once.
func (m *Manager) TerminateDownload(ctx context.Context, id string) error {
	s, err := m.get(id, Download)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pending := len(s.chunks) - s.done
	s.mu.Unlock()
	if pending > 0 {
		return errors.Newf(errors.ErrCodeChunksPending, "%d chunks not yet downloaded", pending)
	}

	if detached := m.detach(id, nil); detached != nil {
		m.cleanup(ctx, detached, ReasonTerminated)
	}
	return nil
}

// Expire closes every session for which now - createdAt >= its direction's TTL, whatever its
// progress. Sessions in the middle of finalizing are skipped. It returns the number closed.
func (m *Manager) Expire(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	var candidates []string
	for id, s := range m.sessions {
		if now.Sub(s.createdAt) >= m.ttl(s.direction) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	expired := 0
	for _, id := range candidates {
		s := m.detach(id, func(s *session) bool { return s.state == StateFinalizing })
		if s == nil {
			continue
		}
		m.cleanup(ctx, s, ReasonExpired)
		expired++
	}
	if expired > 0 {
		m.logger.Info("expired transfers", map[string]interface{}{"count": expired})
	}
	return expired
}

// Close closes every remaining session and waits for all endpoint releases. Used on shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if s := m.detach(id, nil); s != nil {
			m.cleanup(ctx, s, ReasonShutdown)
		}
	}
	return m.Wait(ctx)
}

// Snapshot returns the current state of session id.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, errors.Newf(errors.ErrCodeUnknownTransfer, "transfer %s not found", id)
	}
	return s.snapshot(), nil
}

// List returns snapshots of all active sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Active returns the number of active sessions per direction.
func (m *Manager) Active() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[string]int{Upload.String(): 0, Download.String(): 0}
	for _, s := range m.sessions {
		counts[s.direction.String()]++
	}
	return counts
}

func (m *Manager) String() string {
	return fmt.Sprintf("transfer.Manager(%s)", m.name)
}
