package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfigYAML = `
global:
  listen_addr: ":8443"
  ops_addr: ":9443"
  staging_folder: /var/lib/vault/staging
  reclaim_interval: 30s
  cors_origins: ["https://vault.example"]
logging:
  level: DEBUG
  format: json
storages:
  - name: fs
    type: filesystem
    folder: /var/lib/vault/files
    file_expiry: 1h
    max_size: 200MB
  - name: s3
    type: awss3
    bucket: vault-files
    region: eu-central-1
    presign_urls: true
exfils:
  - name: cf
    type: chunked
    chunk_size: 10MB
    max_total_size: 1GB
    upload:
      mode: static
      hosts: [a.cloudfront.net, b.cloudfront.net]
      max_duration: 10m
    download:
      mode: dynamic
      max_dynamic_hosts: 4
      max_duration: 20m
    cloudfront:
      origin_domain: vault.example
`

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.ListenAddr != ":1234" {
		t.Errorf("Expected ListenAddr to be :1234, got %s", cfg.Global.ListenAddr)
	}
	if cfg.Global.ReclaimInterval != time.Minute {
		t.Errorf("Expected ReclaimInterval to be 1m, got %v", cfg.Global.ReclaimInterval)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected log level INFO, got %s", cfg.Logging.Level)
	}
	if len(cfg.Storages) != 1 || cfg.Storages[0].Type != StorageFilesystem {
		t.Errorf("Expected a single filesystem storage, got %+v", cfg.Storages)
	}
	if len(cfg.Exfils) != 1 || cfg.Exfils[0].Type != ExfilBasicHTTP {
		t.Errorf("Expected a single basichttp exfil, got %+v", cfg.Exfils)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Global.ListenAddr != ":8443" {
		t.Errorf("Expected ListenAddr :8443, got %s", cfg.Global.ListenAddr)
	}
	if cfg.Global.ReclaimInterval != 30*time.Second {
		t.Errorf("Expected ReclaimInterval 30s, got %v", cfg.Global.ReclaimInterval)
	}
	// Defaults not named in the file survive.
	if cfg.Global.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default ShutdownTimeout to survive, got %v", cfg.Global.ShutdownTimeout)
	}
	if len(cfg.Storages) != 2 || cfg.Storages[0].Name != "fs" || cfg.Storages[1].Name != "s3" {
		t.Fatalf("Expected storages [fs s3] in file order, got %+v", cfg.Storages)
	}
	if cfg.Storages[0].FileExpiry != time.Hour {
		t.Errorf("Expected fs file_expiry 1h, got %v", cfg.Storages[0].FileExpiry)
	}
	if got := Bytes(cfg.Storages[0].MaxSize); got != 200<<20 {
		t.Errorf("Expected max_size 200MB, got %d", got)
	}

	cf := cfg.Exfils[0]
	if got := Bytes(cf.ChunkSize); got != 10<<20 {
		t.Errorf("Expected chunk_size 10MB, got %d", got)
	}
	if cf.Upload.Mode != ModeStatic || len(cf.Upload.Hosts) != 2 {
		t.Errorf("Unexpected upload config: %+v", cf.Upload)
	}
	if cf.Download.MaxDynamicHosts != 4 || cf.Download.MaxDuration != 20*time.Minute {
		t.Errorf("Unexpected download config: %+v", cf.Download)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded config should be valid: %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("global: [not, a, map"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := cfg.LoadFromFile(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestLoadFromEnv(t *testing.T) {
	cfg := NewDefault()
	cfg.Storages = append(cfg.Storages, StorageConfig{Name: "s3-eu", Type: StorageS3, Bucket: "b"})
	cfg.Exfils = append(cfg.Exfils, ExfilConfig{Name: "cf", Type: ExfilChunked})

	t.Setenv("VAULT_LISTEN_ADDR", ":7000")
	t.Setenv("VAULT_LOG_LEVEL", "WARN")
	t.Setenv("VAULT_RECLAIM_INTERVAL", "5m")
	t.Setenv("VAULT_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("VAULT_STORAGE_S3_EU_SECRET_ACCESS_KEY", "s3secret")
	t.Setenv("VAULT_EXFIL_CF_ORIGIN_DOMAIN", "origin.example")

	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.ListenAddr != ":7000" {
		t.Errorf("Expected ListenAddr :7000, got %s", cfg.Global.ListenAddr)
	}
	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected log level WARN, got %s", cfg.Logging.Level)
	}
	if cfg.Global.ReclaimInterval != 5*time.Minute {
		t.Errorf("Expected ReclaimInterval 5m, got %v", cfg.Global.ReclaimInterval)
	}
	if len(cfg.Global.CORSOrigins) != 2 {
		t.Errorf("Expected 2 CORS origins, got %v", cfg.Global.CORSOrigins)
	}
	if cfg.Storages[1].SecretAccessKey != "s3secret" {
		t.Errorf("Expected storage secret from env, got %q", cfg.Storages[1].SecretAccessKey)
	}
	if cfg.Exfils[1].CloudFront.OriginDomain != "origin.example" {
		t.Errorf("Expected origin domain from env, got %q", cfg.Exfils[1].CloudFront.OriginDomain)
	}

	t.Setenv("VAULT_RECLAIM_INTERVAL", "soon")
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VAULT_TEST_DOTENV=from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Setenv("VAULT_TEST_DOTENV", "")
	os.Unsetenv("VAULT_TEST_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("VAULT_TEST_DOTENV"); got != "from-file" {
		t.Errorf("Expected value from .env, got %q", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("VAULT_OPS_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Global.OpsAddr != ":9999" {
		t.Errorf("Expected env to override file, got %s", cfg.Global.OpsAddr)
	}
}

func TestSaveToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := NewDefault()
	cfg.Global.ListenAddr = ":4321"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Global.ListenAddr != ":4321" {
		t.Errorf("Expected ListenAddr :4321, got %s", loaded.Global.ListenAddr)
	}

	var buf strings.Builder
	if err := cfg.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(buf.String(), ":4321") {
		t.Errorf("Expected listen_addr in output, got:\n%s", buf.String())
	}
}

func validChunked() ExfilConfig {
	return ExfilConfig{
		Name:         "cf",
		Type:         ExfilChunked,
		ChunkSize:    "10MB",
		MaxTotalSize: "1GB",
		Upload:       TransferConfig{Mode: ModeStatic, Hosts: []string{"a"}, MaxDuration: time.Minute},
		Download:     TransferConfig{Mode: ModeStatic, Hosts: []string{"b"}, MaxDuration: time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{"valid chunked", func(c *Configuration) { c.Exfils = append(c.Exfils, validChunked()) }, ""},
		{"bad log level", func(c *Configuration) { c.Logging.Level = "LOUD" }, "invalid log level"},
		{"bad component log level", func(c *Configuration) { c.Logging.Components = map[string]string{"transfer": "LOUD"} }, "invalid log level for component transfer"},
		{"bad log format", func(c *Configuration) { c.Logging.Format = "xml" }, "invalid log format"},
		{"same ports", func(c *Configuration) { c.Global.OpsAddr = c.Global.ListenAddr }, "cannot be the same"},
		{"no storages", func(c *Configuration) { c.Storages = nil }, "at least one storage"},
		{"duplicate across kinds", func(c *Configuration) { c.Exfils[0].Name = "fs" }, "already used by a storage"},
		{"empty name", func(c *Configuration) { c.Storages[0].Name = "" }, "name cannot be empty"},
		{"slash in name", func(c *Configuration) { c.Exfils[0].Name = "a/b" }, "must not contain"},
		{"unknown storage type", func(c *Configuration) { c.Storages[0].Type = "ftp" }, "unknown storage type"},
		{"fs without folder", func(c *Configuration) { c.Storages[0].Folder = "" }, "folder cannot be empty"},
		{"s3 without bucket", func(c *Configuration) {
			c.Storages = append(c.Storages, StorageConfig{Name: "s3", Type: StorageS3})
		}, "bucket cannot be empty"},
		{"bad max size", func(c *Configuration) { c.Storages[0].MaxSize = "lots" }, "invalid max_size"},
		{"unknown exfil type", func(c *Configuration) { c.Exfils[0].Type = "quic" }, "unknown exfil type"},
		{"zero chunk size", func(c *Configuration) {
			e := validChunked()
			e.ChunkSize = ""
			c.Exfils = append(c.Exfils, e)
		}, "chunk_size must be greater than 0"},
		{"static without hosts", func(c *Configuration) {
			e := validChunked()
			e.Upload.Hosts = nil
			c.Exfils = append(c.Exfils, e)
		}, "upload: static mode requires hosts"},
		{"negative dynamic hosts", func(c *Configuration) {
			e := validChunked()
			e.Download = TransferConfig{Mode: ModeDynamic, MaxDynamicHosts: -1, MaxDuration: time.Minute}
			e.CloudFront.OriginDomain = "o"
			c.Exfils = append(c.Exfils, e)
		}, "max_dynamic_hosts cannot be negative"},
		{"dynamic without origin", func(c *Configuration) {
			e := validChunked()
			e.Download = TransferConfig{Mode: ModeDynamic, MaxDuration: time.Minute}
			c.Exfils = append(c.Exfils, e)
		}, "requires cloudfront.origin_domain"},
		{"unknown mode", func(c *Configuration) {
			e := validChunked()
			e.Upload.Mode = "Adaptive"
			c.Exfils = append(c.Exfils, e)
		}, "unknown mode"},
		{"missing max duration", func(c *Configuration) {
			e := validChunked()
			e.Download.MaxDuration = 0
			c.Exfils = append(c.Exfils, e)
		}, "max_duration must be greater than 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"", 0},
		{"512", 512},
		{"1KB", 1 << 10},
		{"10MB", 10 << 20},
		{"1.5GB", 3 << 29},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := Bytes(tt.input); got != tt.expected {
			t.Errorf("Bytes(%q) = %d, expected %d", tt.input, got, tt.expected)
		}
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "vault.log")
	cfg := LoggingConfig{Level: "warn", Format: "json", File: logFile, MaxSizeMB: 1}

	logger, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("dropped", nil)
	logger.Warn("kept", map[string]interface{}{"storage": "fs"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("Expected INFO entry to be filtered at WARN level")
	}
	if !strings.Contains(string(data), `"message":"kept"`) {
		t.Errorf("Expected JSON entry in log file, got %q", data)
	}

	if _, err := (LoggingConfig{Level: "LOUD"}).NewLogger(); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := (LoggingConfig{Level: "info", Components: map[string]string{"transfer": "LOUD"}}).NewLogger(); err == nil {
		t.Error("Expected error for unknown component level")
	}
}

func TestLoggingConfig_ComponentLevels(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "vault.log")
	cfg := LoggingConfig{
		Level:      "warn",
		Format:     "text",
		File:       logFile,
		Components: map[string]string{"transfer": "debug"},
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.WithComponent("transfer").Debug("chunk staged", nil)
	logger.WithComponent("reclaim").Info("tick", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "chunk staged") {
		t.Error("Expected transfer DEBUG entry to pass its component level")
	}
	if strings.Contains(string(data), "tick") {
		t.Error("Expected reclaim INFO entry to be filtered at WARN level")
	}
}
