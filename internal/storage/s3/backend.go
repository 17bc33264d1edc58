package s3

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/multierr"

	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

// Type is the configured type name of this backend.
const Type = "awss3"

// Storage implements the S3 storage backend with optional cargoship optimization.
type Storage struct {
	name   string
	config *Config

	client      *s3.Client
	uploader    *manager.Uploader
	presigner   *s3.PresignClient
	transporter *cargoships3.Transporter

	logger  *utils.StructuredLogger
	metrics *MetricsCollector

	mu    sync.RWMutex
	state extension.State
}

var (
	_ extension.StorageProvider = (*Storage)(nil)
	_ extension.Sweeper         = (*Storage)(nil)
)

// New creates a backend using the default AWS credential chain.
func New(ctx context.Context, name string, cfg Config, logger *utils.StructuredLogger) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid s3 storage "+name)
	}
	cfg.applyDefaults()

	client, err := newClient(ctx, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "create s3 client")
	}
	return NewWithClient(ctx, name, cfg, client, logger)
}

// NewWithClient creates a backend on an existing client. A bucket that cannot be reached leaves
// the backend in the initialization-error state rather than failing startup.
func NewWithClient(ctx context.Context, name string, cfg Config, client *s3.Client, logger *utils.StructuredLogger) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid s3 storage "+name)
	}
	cfg.applyDefaults()
	if cfg.DisplayName == "" {
		cfg.DisplayName = name
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	s := &Storage{
		name:   name,
		config: &cfg,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSize
			u.Concurrency = cfg.Concurrency
		}),
		presigner: s3.NewPresignClient(client),
		logger:    logger.WithComponent("s3").WithFields(map[string]interface{}{"storage": name, "bucket": cfg.Bucket}),
		metrics:   NewMetricsCollector(),
		state:     extension.StateInitialized,
	}
	if cfg.OptimizedUpload {
		s.transporter = newTransporter(client, &cfg)
		s.logger.Info("cargoship optimized upload enabled", map[string]interface{}{
			"part_size":   utils.FormatBytes(cfg.PartSize),
			"concurrency": cfg.Concurrency,
		})
	}

	if err := s.HealthCheck(ctx); err != nil {
		s.state = extension.StateInitializationError
		s.logger.Error("s3 storage unavailable", map[string]interface{}{"error": err})
	}
	return s, nil
}

func (s *Storage) Name() string { return s.name }
func (s *Storage) Type() string { return Type }

func (s *Storage) State() extension.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
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

// Metrics returns the backend counters.
func (s *Storage) Metrics() BackendMetrics {
	return s.metrics.GetMetrics()
}

func (s *Storage) key(id string) string {
	return s.config.KeyPrefix + id
}

// validID reports whether id could have been issued by this backend.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "bucket unreachable: "+s.config.Bucket).WithComponent(s.name)
	}
	s.mu.Lock()
	s.state = extension.StateInitialized
	s.mu.Unlock()
	return nil
}

func (s *Storage) Has(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	start := time.Now()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if isNotFound(err) {
		s.metrics.RecordMetrics(time.Since(start), false)
		return false, nil
	}
	s.metrics.RecordMetrics(time.Since(start), err != nil)
	if err != nil {
		s.metrics.RecordError(err)
		return false, s.translateError(err, "HeadObject", id, errors.ErrCodeStorageRead)
	}
	return true, nil
}

// Store uploads r, which must yield exactly size bytes.
func (s *Storage) Store(ctx context.Context, r io.Reader, size int64) (extension.FileInfo, error) {
	if s.config.MaxSize > 0 && size > s.config.MaxSize {
		return extension.FileInfo{}, errors.Newf(errors.ErrCodeSizeExceeded, "file of %s exceeds limit of %s",
			utils.FormatBytes(size), utils.FormatBytes(s.config.MaxSize))
	}

	start := time.Now()
	id := uuid.NewString()
	err := s.upload(ctx, s.key(id), r, size)
	s.metrics.RecordMetrics(time.Since(start), err != nil)
	if err != nil {
		s.metrics.RecordError(err)
		return extension.FileInfo{}, err
	}

	info := extension.FileInfo{
		ID:        id,
		Size:      size,
		CreatedAt: time.Now(),
		LifeTime:  s.config.FileExpiry,
	}
	if s.config.PresignURLs {
		url, err := s.presign(ctx, s.key(id))
		if err != nil {
			s.logger.Warn("presign failed", map[string]interface{}{"file": id, "error": err})
		} else {
			info.URL = url
		}
	}

	s.logger.Debug("file stored", map[string]interface{}{"file": id, "size": size, "duration": time.Since(start).String()})
	return info, nil
}

func (s *Storage) upload(ctx context.Context, key string, r io.Reader, size int64) error {
	// Only a seekable body can be replayed when cargoship fails part way.
	if seeker, ok := r.(io.ReadSeeker); ok && s.transporter != nil {
		result, err := s.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       seeker,
			Size:         size,
			StorageClass: convertCargoShipStorageClass(s.config.StorageClass),
			Metadata:     map[string]string{"vault-storage": s.name},
		})
		if err == nil {
			s.metrics.RecordOptimizedUpload()
			s.metrics.RecordBytesUploaded(size)
			s.logger.Debug("cargoship upload completed", map[string]interface{}{
				"key":        key,
				"throughput": result.Throughput,
				"duration":   result.Duration,
			})
			return nil
		}

		s.metrics.RecordFallbackEvent()
		s.logger.Warn("cargoship upload failed, falling back to upload manager", map[string]interface{}{"key": key, "error": err})
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "rewind upload body")
		}
	}

	body := &countingReader{r: io.LimitReader(r, size+1)}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/octet-stream"),
	}
	if s.config.StorageClass != ClassStandard {
		input.StorageClass = convertStorageClass(s.config.StorageClass)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return s.translateError(err, "Upload", key, errors.ErrCodeStorageWrite)
	}

	if body.n != size {
		_ = s.deleteKey(context.WithoutCancel(ctx), key)
		return errors.Newf(errors.ErrCodeStorageWrite, "read %d bytes, expected %d", body.n, size)
	}
	s.metrics.RecordBytesUploaded(size)
	return nil
}

func (s *Storage) presign(ctx context.Context, key string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.config.presignExpiry()))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (s *Storage) Retrieve(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	if !validID(id) {
		return nil, 0, errors.Newf(errors.ErrCodeUnknownFile, "file %s not found", id)
	}
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(id)),
	})
	s.metrics.RecordMetrics(time.Since(start), err != nil && !isNotFound(err))
	if err != nil {
		return nil, 0, s.translateError(err, "GetObject", id, errors.ErrCodeStorageRead)
	}
	if out.ContentLength == nil || *out.ContentLength < 0 {
		_ = out.Body.Close()
		return nil, 0, errors.Newf(errors.ErrCodeStorageRead, "unknown size for %s", id)
	}
	size := *out.ContentLength
	s.metrics.RecordBytesDownloaded(size)
	return out.Body, size, nil
}

func (s *Storage) Remove(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	return s.deleteKey(ctx, s.key(id))
}

func (s *Storage) deleteKey(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return s.translateError(err, "DeleteObject", key, errors.ErrCodeStorageWrite)
	}
	return nil
}

// Sweep deletes objects under the key prefix last modified at or before now minus the file
// expiry. Individual delete failures are combined into the returned error.
func (s *Storage) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.config.FileExpiry <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.config.FileExpiry)

	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.config.Bucket)}
	if s.config.KeyPrefix != "" {
		input.Prefix = aws.String(s.config.KeyPrefix)
	}
	pages := s3.NewListObjectsV2Paginator(s.client, input)

	removed := 0
	var errs error
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return removed, multierr.Append(errs, s.translateError(err, "ListObjectsV2", s.config.KeyPrefix, errors.ErrCodeStorageRead))
		}
		for _, obj := range page.Contents {
			if aws.ToTime(obj.LastModified).After(cutoff) {
				continue
			}
			if err := s.deleteKey(ctx, aws.ToString(obj.Key)); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			removed++
		}
	}

	s.metrics.RecordSwept(removed)
	if removed > 0 {
		s.logger.Info("expired objects removed", map[string]interface{}{"count": removed})
	}
	return removed, errs
}

func (s *Storage) translateError(err error, operation, target string, code errors.ErrorCode) error {
	switch {
	case isNotFound(err):
		return errors.Newf(errors.ErrCodeUnknownFile, "file %s not found", target).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(err, code, fmt.Sprintf("bucket not found: %s", s.config.Bucket)).WithComponent(s.name)
	}

	vaultErr := errors.Wrap(err, code, fmt.Sprintf("%s failed for %s", operation, target)).
		WithComponent(s.name).WithOperation(operation)
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		vaultErr = vaultErr.WithContext("aws_code", apiErr.ErrorCode())
	}
	return vaultErr
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
