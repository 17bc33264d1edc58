// Package basichttp is the single-request exfil transport: one POST stores a file, one GET
// returns it.
package basichttp

import (
	"bytes"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/volatilevault/vault/internal/exfil"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

// Type is the configured type name of this transport.
const Type = "basichttp"

// Recorder receives operation metrics.
type Recorder interface {
	RecordOperation(op string, d time.Duration, size int64, success bool)
}

// Options configures a Provider.
type Options struct {
	DisplayName string
	Description string
	// MaxSize bounds the upload body. Zero means the server's body limit applies.
	MaxSize int64
	// Hosts are published to clients and allowed by CORS.
	Hosts    []string
	Recorder Recorder
	Logger   *utils.StructuredLogger
}

// Provider serves whole-file uploads and downloads.
type Provider struct {
	name     string
	opts     Options
	registry *extension.Registry
	logger   *utils.StructuredLogger
}

var _ extension.ExfilProvider = (*Provider)(nil)

// New creates a provider that resolves storages through registry.
func New(name string, registry *extension.Registry, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if opts.DisplayName == "" {
		opts.DisplayName = name
	}
	return &Provider{
		name:     name,
		opts:     opts,
		registry: registry,
		logger:   logger.WithComponent("basichttp").WithField("exfil", name),
	}
}

func (p *Provider) Name() string           { return p.name }
func (p *Provider) Type() string           { return Type }
func (p *Provider) State() extension.State { return extension.StateInitialized }
func (p *Provider) Hosts() []string        { return append([]string(nil), p.opts.Hosts...) }
func (p *Provider) MaxSize() int64         { return p.opts.MaxSize }

func (p *Provider) Capabilities() extension.Capabilities {
	return extension.UploadSingle | extension.DownloadSingle
}

func (p *Provider) Info() extension.Info {
	hosts := p.Hosts()
	if hosts == nil {
		hosts = []string{}
	}
	return extension.Info{
		Name:        p.name,
		Type:        Type,
		DisplayName: p.opts.DisplayName,
		Description: p.opts.Description,
		Info: map[string]interface{}{
			"maxSize": p.opts.MaxSize,
			"hosts":   hosts,
		},
	}
}

// Mount installs the routes under /<name> of router.
func (p *Provider) Mount(router fiber.Router) {
	g := router.Group("/" + p.name)
	g.Post("/upload/:storage", p.upload)
	g.Get("/download/:id", p.download)
}

func (p *Provider) record(op string, start time.Time, size int64, err error) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.RecordOperation(op, time.Since(start), size, err == nil)
	}
}

func (p *Provider) upload(c *fiber.Ctx) (err error) {
	start := time.Now()
	body := c.Body()
	size := int64(len(body))
	defer func() { p.record("basic_upload", start, size, err) }()

	if p.opts.MaxSize > 0 && size > p.opts.MaxSize {
		return exfil.ErrTooLarge
	}
	storage, err := p.registry.Storage(c.Params("storage"))
	if err != nil {
		return err
	}

	info, err := storage.Store(c.UserContext(), bytes.NewReader(body), size)
	if err != nil {
		return err
	}
	p.logger.Info("file stored", map[string]interface{}{
		"storage": storage.Name(),
		"file":    info.ID,
		"size":    utils.FormatBytes(size),
		"ip":      c.IP(),
	})
	return c.JSON(fiber.Map{"message": "Upload successful", "file": exfil.NewFileResponse(info)})
}

func (p *Provider) download(c *fiber.Ctx) (err error) {
	start := time.Now()
	var size int64
	defer func() { p.record("basic_download", start, size, err) }()

	id := c.Params("id")
	storage, err := p.registry.StorageForFile(c.UserContext(), id)
	if err != nil {
		return err
	}
	r, size, err := storage.Retrieve(c.UserContext(), id)
	if err != nil {
		return err
	}
	if size < 0 {
		_ = r.Close()
		return errors.Newf(errors.ErrCodeStorageRead, "unknown size for %s", id)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(fiber.HeaderContentDisposition, "attachment; filename="+strconv.Quote(id))
	return c.SendStream(r, int(size))
}
