package basichttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volatilevault/vault/internal/exfil"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/pkg/errors"
)

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *memStorage) Name() string           { return "mem" }
func (s *memStorage) Type() string           { return "memory" }
func (s *memStorage) State() extension.State { return extension.StateInitialized }
func (s *memStorage) Info() extension.Info   { return extension.Info{Name: "mem"} }

func (s *memStorage) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[id]
	return ok, nil
}

func (s *memStorage) Store(_ context.Context, r io.Reader, _ int64) (extension.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return extension.FileInfo{}, err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.files[id] = data
	s.mu.Unlock()
	return extension.FileInfo{ID: id, Size: int64(len(data)), CreatedAt: time.Now()}, nil
}

func (s *memStorage) Retrieve(_ context.Context, id string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[id]
	if !ok {
		return nil, 0, errors.Newf(errors.ErrCodeUnknownFile, "no file %s", id)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *memStorage) Remove(context.Context, string) error { return nil }

type recorder struct {
	mu  sync.Mutex
	ops map[string][]bool
}

func (r *recorder) RecordOperation(op string, _ time.Duration, _ int64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op] = append(r.ops[op], success)
}

func setup(t *testing.T, maxSize int64) (*fiber.App, *recorder) {
	t.Helper()
	registry := extension.NewRegistry()
	require.NoError(t, registry.RegisterStorage(&memStorage{files: make(map[string][]byte)}))

	rec := &recorder{ops: make(map[string][]bool)}
	p := New("basic", registry, Options{MaxSize: maxSize, Recorder: rec, Hosts: []string{"files.example"}})
	require.NoError(t, registry.RegisterExfil(p))

	app := fiber.New(fiber.Config{ErrorHandler: exfil.ErrorHandler(nil)})
	p.Mount(app.Group("/api"))
	return app, rec
}

func send(t *testing.T, app *fiber.App, method, path string, body []byte) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	resp, err := app.Test(httptest.NewRequest(method, path, r), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestUploadDownload(t *testing.T) {
	app, rec := setup(t, 1024)
	payload := []byte("volatile payload")

	status, raw := send(t, app, http.MethodPost, "/api/basic/upload/mem", payload)
	require.Equal(t, http.StatusOK, status, string(raw))
	var up struct {
		Message string             `json:"message"`
		File    exfil.FileResponse `json:"file"`
	}
	require.NoError(t, json.Unmarshal(raw, &up))
	assert.Equal(t, "Upload successful", up.Message)
	require.NotEmpty(t, up.File.ID)

	status, raw = send(t, app, http.MethodGet, "/api/basic/download/"+up.File.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, payload, raw)

	assert.Equal(t, []bool{true}, rec.ops["basic_upload"])
	assert.Equal(t, []bool{true}, rec.ops["basic_download"])
}

func TestUploadErrors(t *testing.T) {
	app, rec := setup(t, 8)

	status, raw := send(t, app, http.MethodPost, "/api/basic/upload/mem", []byte("123456789"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	var body exfil.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, exfil.MessageTooLarge, body.Message)

	status, raw = send(t, app, http.MethodPost, "/api/basic/upload/other", []byte("1"))
	assert.Equal(t, http.StatusNotFound, status)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, string(errors.ErrCodeUnknownStorage), body.Code)

	status, raw = send(t, app, http.MethodGet, "/api/basic/download/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, string(errors.ErrCodeUnknownFile), body.Code)

	assert.Equal(t, []bool{false, false}, rec.ops["basic_upload"])
	assert.Equal(t, []bool{false}, rec.ops["basic_download"])
}

func TestInfo(t *testing.T) {
	p := New("basic", extension.NewRegistry(), Options{MaxSize: 10})
	info := p.Info()
	assert.Equal(t, Type, info.Type)
	assert.Equal(t, int64(10), info.Info["maxSize"])
	assert.Equal(t, []string{}, info.Info["hosts"])
	assert.True(t, p.Capabilities().Has(extension.UploadSingle))
	assert.False(t, p.Capabilities().Has(extension.UploadChunked))
}
