package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/volatilevault/vault/internal/circuit"
	"github.com/volatilevault/vault/pkg/health"
	"github.com/volatilevault/vault/pkg/retry"
	"github.com/volatilevault/vault/pkg/utils"
)

// Storage and exfil type names accepted in the configuration.
const (
	StorageFilesystem = "filesystem"
	StorageS3         = "awss3"

	ExfilChunked   = "chunked"
	ExfilBasicHTTP = "basichttp"
)

// Endpoint allocation modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Configuration represents the complete server configuration
type Configuration struct {
	Global   GlobalConfig         `yaml:"global"`
	Logging  LoggingConfig        `yaml:"logging"`
	Network  NetworkConfig        `yaml:"network"`
	Health   health.TrackerConfig `yaml:"health"`
	Storages []StorageConfig      `yaml:"storages"`
	Exfils   []ExfilConfig        `yaml:"exfils"`
}

// GlobalConfig represents global server settings
type GlobalConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	OpsAddr         string        `yaml:"ops_addr"`
	StagingFolder   string        `yaml:"staging_folder"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// LoggingConfig represents log output settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// Components overrides the level per logger component, e.g. {"transfer": "debug"}.
	Components map[string]string `yaml:"components"`
}

// NetworkConfig holds the resilience settings for endpoint provisioning calls
type NetworkConfig struct {
	Retry          retry.Config   `yaml:"retry"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
}

// StorageConfig configures one storage backend. Fields that do not apply to the
// backend's type are ignored.
type StorageConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	DisplayName string        `yaml:"display_name"`
	Description string        `yaml:"description"`
	FileExpiry  time.Duration `yaml:"file_expiry"`
	MaxSize     string        `yaml:"max_size"`

	// filesystem
	Folder string `yaml:"folder"`

	// awss3
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	KeyPrefix       string `yaml:"key_prefix"`
	PresignURLs     bool   `yaml:"presign_urls"`
	OptimizedUpload bool   `yaml:"optimized_upload"`
	StorageClass    string `yaml:"storage_class"`
	PartSize        string `yaml:"part_size"`
	Concurrency     int    `yaml:"concurrency"`
}

// ExfilConfig configures one transport provider.
type ExfilConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`

	// basichttp
	MaxSize string   `yaml:"max_size"`
	Hosts   []string `yaml:"hosts"`

	// chunked
	ChunkSize    string           `yaml:"chunk_size"`
	MaxTotalSize string           `yaml:"max_total_size"`
	Upload       TransferConfig   `yaml:"upload"`
	Download     TransferConfig   `yaml:"download"`
	CloudFront   CloudFrontConfig `yaml:"cloudfront"`
}

// TransferConfig configures one direction of a chunked exfil.
type TransferConfig struct {
	Mode            string        `yaml:"mode"`
	Hosts           []string      `yaml:"hosts"`
	MaxDynamicHosts int           `yaml:"max_dynamic_hosts"`
	MaxDuration     time.Duration `yaml:"max_duration"`
}

// CloudFrontConfig configures the distribution registrar used by dynamic mode.
type CloudFrontConfig struct {
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	DistributionTag string        `yaml:"distribution_tag"`
	OriginDomain    string        `yaml:"origin_domain"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// NewDefault returns a configuration with sensible defaults and a single filesystem storage
// served by a basic HTTP exfil.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			ListenAddr:      ":1234",
			OpsAddr:         ":9090",
			StagingFolder:   "./staging",
			ReclaimInterval: time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Network: NetworkConfig{
			Retry:          retry.DefaultConfig(),
			CircuitBreaker: circuit.Config{Timeout: 60 * time.Second, ConsecutiveFailures: 5},
		},
		Health: health.DefaultConfig(),
		Storages: []StorageConfig{{
			Name:        "fs",
			Type:        StorageFilesystem,
			DisplayName: "Local filesystem",
			Folder:      "./files",
			FileExpiry:  time.Hour,
			MaxSize:     "100MB",
		}},
		Exfils: []ExfilConfig{{
			Name:        "basichttp",
			Type:        ExfilBasicHTTP,
			DisplayName: "Basic HTTP",
			MaxSize:     "100MB",
		}},
	}
}

// LoadFromFile loads configuration from a YAML file. Lists in the file replace the defaults.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadDotEnv loads variables from the given .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from VAULT_* environment variables. Per-extension secrets
// use the upper-cased extension name: VAULT_STORAGE_<NAME>_SECRET_ACCESS_KEY and
// VAULT_EXFIL_<NAME>_SECRET_ACCESS_KEY.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("VAULT_LISTEN_ADDR"); val != "" {
		c.Global.ListenAddr = val
	}
	if val := os.Getenv("VAULT_OPS_ADDR"); val != "" {
		c.Global.OpsAddr = val
	}
	if val := os.Getenv("VAULT_STAGING_FOLDER"); val != "" {
		c.Global.StagingFolder = val
	}
	if val := os.Getenv("VAULT_RECLAIM_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid VAULT_RECLAIM_INTERVAL: %w", err)
		}
		c.Global.ReclaimInterval = d
	}
	if val := os.Getenv("VAULT_CORS_ORIGINS"); val != "" {
		c.Global.CORSOrigins = splitList(val)
	}

	// Logging
	if val := os.Getenv("VAULT_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("VAULT_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("VAULT_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
	if val := os.Getenv("VAULT_LOG_MAX_SIZE_MB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Logging.MaxSizeMB = n
		}
	}

	for i := range c.Storages {
		s := &c.Storages[i]
		prefix := envPrefix("STORAGE", s.Name)
		if val := os.Getenv(prefix + "ACCESS_KEY_ID"); val != "" {
			s.AccessKeyID = val
		}
		if val := os.Getenv(prefix + "SECRET_ACCESS_KEY"); val != "" {
			s.SecretAccessKey = val
		}
		if val := os.Getenv(prefix + "BUCKET"); val != "" {
			s.Bucket = val
		}
	}

	for i := range c.Exfils {
		e := &c.Exfils[i]
		prefix := envPrefix("EXFIL", e.Name)
		if val := os.Getenv(prefix + "ACCESS_KEY_ID"); val != "" {
			e.CloudFront.AccessKeyID = val
		}
		if val := os.Getenv(prefix + "SECRET_ACCESS_KEY"); val != "" {
			e.CloudFront.SecretAccessKey = val
		}
		if val := os.Getenv(prefix + "ORIGIN_DOMAIN"); val != "" {
			e.CloudFront.OriginDomain = val
		}
	}

	return nil
}

// Load builds the configuration from defaults, the optional file, .env and the environment,
// in that order of increasing precedence, and validates the result.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds the process logger. With a file set, output rotates through lumberjack and
// is mirrored to stdout.
func (l LoggingConfig) NewLogger() (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(l.Level)
	if err != nil {
		return nil, err
	}
	loggerConfig := utils.DefaultStructuredLoggerConfig()
	loggerConfig.Level = level
	loggerConfig.Format = utils.ParseLogFormat(l.Format)
	loggerConfig.IncludeStack = level <= utils.DEBUG
	if l.File != "" {
		loggerConfig.Rotation = &utils.RotationConfig{
			Filename:   l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
			Stdout:     true,
		}
	}
	logger, err := utils.NewStructuredLogger(loggerConfig)
	if err != nil {
		return nil, err
	}
	for component, levelName := range l.Components {
		componentLevel, err := utils.ParseLogLevel(levelName)
		if err != nil {
			_ = logger.Close()
			return nil, fmt.Errorf("logging component %s: %w", component, err)
		}
		logger.SetComponentLevel(component, componentLevel)
	}
	return logger, nil
}

// Write encodes the configuration as YAML.
func (c *Configuration) Write(w io.Writer) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Global.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.Global.OpsAddr != "" && c.Global.OpsAddr == c.Global.ListenAddr {
		return fmt.Errorf("listen_addr and ops_addr cannot be the same")
	}
	if c.Global.StagingFolder == "" {
		return fmt.Errorf("staging_folder cannot be empty")
	}
	if c.Global.ReclaimInterval < 0 {
		return fmt.Errorf("reclaim_interval cannot be negative")
	}

	for component, level := range c.Logging.Components {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return fmt.Errorf("invalid log level for component %s: %s", component, level)
		}
	}
	if _, err := utils.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if len(c.Storages) == 0 {
		return fmt.Errorf("at least one storage must be configured")
	}

	names := make(map[string]string)
	claim := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%s name cannot be empty", kind)
		}
		if strings.ContainsAny(name, "/ ") {
			return fmt.Errorf("%s name %q must not contain '/' or spaces", kind, name)
		}
		if prev, ok := names[name]; ok {
			return fmt.Errorf("%s name %q already used by a %s", kind, name, prev)
		}
		names[name] = kind
		return nil
	}

	for _, s := range c.Storages {
		if err := claim("storage", s.Name); err != nil {
			return err
		}
		if err := s.validate(); err != nil {
			return fmt.Errorf("storage %s: %w", s.Name, err)
		}
	}
	for _, e := range c.Exfils {
		if err := claim("exfil", e.Name); err != nil {
			return err
		}
		if err := e.validate(); err != nil {
			return fmt.Errorf("exfil %s: %w", e.Name, err)
		}
	}

	return nil
}

func (s StorageConfig) validate() error {
	if s.FileExpiry < 0 {
		return fmt.Errorf("file_expiry cannot be negative")
	}
	if _, err := optionalSize(s.MaxSize); err != nil {
		return fmt.Errorf("invalid max_size: %w", err)
	}

	switch s.Type {
	case StorageFilesystem:
		if s.Folder == "" {
			return fmt.Errorf("folder cannot be empty")
		}
	case StorageS3:
		if s.Bucket == "" {
			return fmt.Errorf("bucket cannot be empty")
		}
		if _, err := optionalSize(s.PartSize); err != nil {
			return fmt.Errorf("invalid part_size: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage type %q", s.Type)
	}
	return nil
}

func (e ExfilConfig) validate() error {
	switch e.Type {
	case ExfilBasicHTTP:
		if _, err := optionalSize(e.MaxSize); err != nil {
			return fmt.Errorf("invalid max_size: %w", err)
		}
	case ExfilChunked:
		chunk, err := optionalSize(e.ChunkSize)
		if err != nil {
			return fmt.Errorf("invalid chunk_size: %w", err)
		}
		if chunk <= 0 {
			return fmt.Errorf("chunk_size must be greater than 0")
		}
		total, err := optionalSize(e.MaxTotalSize)
		if err != nil {
			return fmt.Errorf("invalid max_total_size: %w", err)
		}
		if total <= 0 {
			return fmt.Errorf("max_total_size must be greater than 0")
		}
		for dir, t := range map[string]TransferConfig{"upload": e.Upload, "download": e.Download} {
			if err := t.validate(); err != nil {
				return fmt.Errorf("%s: %w", dir, err)
			}
		}
		if e.Upload.Mode == ModeDynamic || e.Download.Mode == ModeDynamic {
			if e.CloudFront.OriginDomain == "" {
				return fmt.Errorf("dynamic mode requires cloudfront.origin_domain")
			}
		}
	default:
		return fmt.Errorf("unknown exfil type %q", e.Type)
	}
	return nil
}

func (t TransferConfig) validate() error {
	switch t.Mode {
	case ModeStatic:
		if len(t.Hosts) == 0 {
			return fmt.Errorf("static mode requires hosts")
		}
	case ModeDynamic:
		if t.MaxDynamicHosts < 0 {
			return fmt.Errorf("max_dynamic_hosts cannot be negative")
		}
	default:
		return fmt.Errorf("unknown mode %q (must be static or dynamic)", t.Mode)
	}
	if t.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be greater than 0")
	}
	return nil
}

// Bytes parses a human-readable size such as "10MB". An empty string is zero.
func Bytes(s string) int64 {
	n, _ := optionalSize(s)
	return n
}

func optionalSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative")
	}
	return n, nil
}

func envPrefix(kind, name string) string {
	name = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "VAULT_" + kind + "_" + name + "_"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
