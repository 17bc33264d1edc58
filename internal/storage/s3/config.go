package s3

import (
	"fmt"
	"strings"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Storage class names accepted in configuration.
const (
	ClassStandard           = "STANDARD"
	ClassIntelligentTiering = "INTELLIGENT_TIERING"
	ClassOneZoneIA          = "ONEZONE_IA"
)

// Config represents S3 backend configuration
type Config struct {
	DisplayName string
	Description string

	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	// KeyPrefix is prepended to every object key.
	KeyPrefix string

	// FileExpiry is how long an object is kept before the sweep removes it. Zero disables the
	// sweep.
	FileExpiry time.Duration
	// MaxSize bounds a single file. Zero means unbounded.
	MaxSize int64

	// PresignURLs adds a presigned GET URL to stored files, valid for FileExpiry (or
	// PresignExpiry when set).
	PresignURLs   bool
	PresignExpiry time.Duration

	// Performance settings
	MaxRetries  int
	PartSize    int64
	Concurrency int

	// OptimizedUpload routes seekable uploads through cargoship first.
	OptimizedUpload bool
	StorageClass    string
}

// NewDefaultConfig returns a config with the defaults applied.
func NewDefaultConfig() *Config {
	return &Config{
		Region:       "us-east-1",
		MaxRetries:   3,
		PartSize:     16 * 1024 * 1024,
		Concurrency:  4,
		StorageClass: ClassStandard,
	}
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PartSize <= 0 {
		c.PartSize = d.PartSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.StorageClass == "" {
		c.StorageClass = d.StorageClass
	}
	c.StorageClass = strings.ToUpper(c.StorageClass)
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket name cannot be empty")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	switch strings.ToUpper(c.StorageClass) {
	case "", ClassStandard, ClassIntelligentTiering, ClassOneZoneIA:
	default:
		return fmt.Errorf("unsupported storage class: %s", c.StorageClass)
	}
	if c.PartSize > 0 && c.PartSize < 5*1024*1024 {
		return fmt.Errorf("part size must be at least 5MB")
	}
	return nil
}

func (c *Config) presignExpiry() time.Duration {
	switch {
	case c.PresignExpiry > 0:
		return c.PresignExpiry
	case c.FileExpiry > 0:
		return c.FileExpiry
	default:
		return time.Hour
	}
}

func convertStorageClass(class string) s3types.StorageClass {
	switch class {
	case ClassIntelligentTiering:
		return s3types.StorageClassIntelligentTiering
	case ClassOneZoneIA:
		return s3types.StorageClassOnezoneIa
	default:
		return s3types.StorageClassStandard
	}
}

func convertCargoShipStorageClass(class string) awsconfig.StorageClass {
	if class == ClassIntelligentTiering {
		return awsconfig.StorageClassIntelligentTiering
	}
	return awsconfig.StorageClassStandard
}
