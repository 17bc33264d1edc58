package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volatilevault/vault/internal/config"
	"github.com/volatilevault/vault/internal/transfer"
	"github.com/volatilevault/vault/pkg/health"
)

const chunkSize = 1 << 10

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefault()
	cfg.Global.ListenAddr = "127.0.0.1:0"
	cfg.Global.OpsAddr = "127.0.0.1:1"
	cfg.Global.StagingFolder = filepath.Join(dir, "staging")
	cfg.Global.CORSOrigins = []string{"https://app.example"}
	cfg.Storages = []config.StorageConfig{{
		Name:       "fs",
		Type:       config.StorageFilesystem,
		Folder:     filepath.Join(dir, "files"),
		FileExpiry: time.Hour,
		MaxSize:    "1MB",
	}}
	cfg.Exfils = []config.ExfilConfig{
		{
			Name:    "basic",
			Type:    config.ExfilBasicHTTP,
			MaxSize: "64KB",
			Hosts:   []string{"basic.example"},
		},
		{
			Name:         "cf",
			Type:         config.ExfilChunked,
			ChunkSize:    "1KB",
			MaxTotalSize: "1MB",
			Upload: config.TransferConfig{
				Mode:        config.ModeStatic,
				Hosts:       []string{"up1.example", "up2.example"},
				MaxDuration: time.Hour,
			},
			Download: config.TransferConfig{
				Mode:        config.ModeStatic,
				Hosts:       []string{"down.example"},
				MaxDuration: time.Hour,
			},
		},
	}
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func do(t *testing.T, s *Server, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storages = nil
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestConfigRoute(t *testing.T) {
	s := newTestServer(t)

	resp, data := do(t, s, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store, no-cache, must-revalidate", resp.Header.Get("Cache-Control"))

	body := decode(t, data)
	assert.Equal(t, "Request successful", body["message"])

	storages := body["storages"].([]interface{})
	require.Len(t, storages, 1)
	assert.Equal(t, "fs", storages[0].(map[string]interface{})["name"])

	exfils := body["exfils"].([]interface{})
	require.Len(t, exfils, 2)
	assert.Equal(t, "basic", exfils[0].(map[string]interface{})["name"])
	assert.Equal(t, "cf", exfils[1].(map[string]interface{})["name"])

	resp, data = do(t, s, http.MethodGet, "/api/storages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, data)["storages"], 1)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	resp, data := do(t, s, http.MethodGet, "/api/nope/upload", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_EXTENSION", decode(t, data)["code"])
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	for _, origin := range []string{"https://app.example", "https://up2.example", "https://basic.example"} {
		req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
		req.Header.Set("Origin", origin)
		resp, err := s.App().Test(req)
		require.NoError(t, err)
		assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestBasicRoundTrip(t *testing.T) {
	s := newTestServer(t)
	payload := bytes.Repeat([]byte("vault"), 1000)

	resp, data := do(t, s, http.MethodPost, "/api/basic/upload/fs", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	file := decode(t, data)["file"].(map[string]interface{})
	id := file["id"].(string)

	resp, data = do(t, s, http.MethodGet, "/api/basic/download/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, data)

	resp, _ = do(t, s, http.MethodPost, "/api/basic/upload/fs", make([]byte, 65<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, data = do(t, s, http.MethodPost, "/api/basic/upload/missing", payload)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(data))

	traffic := s.Collector().Traffic().Get("basic")
	require.NotNil(t, traffic)
	assert.Equal(t, int64(len(payload)), traffic.BytesOut)
}

func TestChunkedRoundTrip(t *testing.T) {
	s := newTestServer(t)
	payload := make([]byte, 2*chunkSize+500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	resp, data := do(t, s, http.MethodPost, fmt.Sprintf("/api/cf/initupload/fs/%d", len(payload)), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	initResp := decode(t, data)
	transferID := initResp["transferId"].(string)
	assert.Equal(t, float64(3), initResp["chunkCount"])
	assert.Len(t, initResp["endpoints"], 3)

	sessions := s.ListSessions()
	require.Len(t, sessions["cf"], 1)
	assert.Equal(t, transfer.Upload.String(), sessions["cf"][0].Direction)

	var fileID string
	for i := 0; i < 3; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		resp, data = do(t, s, http.MethodPost,
			fmt.Sprintf("/api/cf/upload/%s/chunk/%d", transferID, i), payload[start:end])
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
		body := decode(t, data)
		if i < 2 {
			assert.Equal(t, false, body["done"])
			continue
		}
		assert.Equal(t, true, body["done"])
		fileID = body["file"].(map[string]interface{})["id"].(string)
	}
	require.NotEmpty(t, fileID)
	assert.Empty(t, s.ListSessions()["cf"])

	resp, data = do(t, s, http.MethodPost, "/api/cf/initdownload/"+fileID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	initResp = decode(t, data)
	downloadID := initResp["transferId"].(string)
	assert.Equal(t, []interface{}{"down.example", "down.example", "down.example"}, initResp["endpoints"])

	var got []byte
	for i := 0; i < 3; i++ {
		resp, data = do(t, s, http.MethodGet, fmt.Sprintf("/api/cf/download/%s/chunk/%d", downloadID, i), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got = append(got, data...)
	}
	assert.Equal(t, payload, got)

	resp, _ = do(t, s, http.MethodPost, "/api/cf/download/terminate/"+downloadID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, s, http.MethodGet, fmt.Sprintf("/api/cf/download/%s/chunk/0", downloadID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpsHandlerReportsSessions(t *testing.T) {
	s := newTestServer(t)

	resp, data := do(t, s, http.MethodPost, "/api/cf/initupload/fs/10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	rec := httptest.NewRecorder()
	s.OpsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec.Body.Bytes())["count"])

	rec = httptest.NewRecorder()
	s.OpsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `vault_active_sessions{direction="upload",exfil="cf"} 1`)

	rec = httptest.NewRecorder()
	s.OpsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/traffic", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	traffic := decode(t, rec.Body.Bytes())
	assert.Contains(t, traffic, "file_locations")
	assert.Empty(t, traffic["storages"], "no s3 backends configured")
	assert.Empty(t, traffic["provisioners"], "static endpoints only")
	summary, ok := traffic["summary"].(map[string]interface{})
	require.True(t, ok, "%v", traffic)
	assert.Equal(t, float64(1), summary["tracked_exfils"])
	assert.Contains(t, traffic, "top_exfils")
}

func TestHealthAndReclaim(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	s.Health().CheckNow(ctx)
	assert.Equal(t, health.StateHealthy, s.Health().GetOverallHealth())
	for _, name := range []string{"staging", "storage:fs", "exfil:basic", "exfil:cf", "reclaim"} {
		_, err := s.Health().GetComponentHealth(name)
		assert.NoError(t, err, name)
	}

	fs, err := s.Health().GetComponentHealth("storage:fs")
	require.NoError(t, err)
	assert.Equal(t, config.StorageFilesystem, fs.Metadata["type"])
	assert.NotEmpty(t, fs.Metadata["folder"])
	cf, err := s.Health().GetComponentHealth("exfil:cf")
	require.NoError(t, err)
	assert.Equal(t, config.ExfilChunked, cf.Metadata["type"])
	assert.Equal(t, config.ModeStatic, cf.Metadata["upload_mode"])
	assert.Equal(t, config.ModeStatic, cf.Metadata["download_mode"])

	result, err := s.Reclaim().Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Sessions)
	assert.Zero(t, result.Files)
}

func TestShutdownClosesSessions(t *testing.T) {
	s, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)

	resp, data := do(t, s, http.MethodPost, "/api/cf/initupload/fs/2048", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.Len(t, s.ListSessions()["cf"], 1)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Empty(t, s.ListSessions()["cf"])
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestStartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Global.OpsAddr = "127.0.0.1:0"
	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestBodyLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Exfils[1].ChunkSize = "8MB"
	s := &Server{config: cfg}
	assert.Equal(t, 8<<20, s.bodyLimit())

	cfg.Exfils = nil
	assert.Equal(t, 4<<20, s.bodyLimit())
}
