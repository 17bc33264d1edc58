// Package chunked is the exfil transport that spreads a transfer across many endpoints, one
// chunk per request.
//
// Routes, relative to the mount point /api/<name>:
//
//	POST /initupload/:storage/:size
//	GET  /status/:transferId
//	POST /upload/:transferId/chunk/:chunkNo
//	POST /initdownload/:id
//	GET  /download/:transferId/chunk/:chunkNo
//	POST /download/terminate/:transferId
//
// Only the request that uploads the last missing chunk receives the stored file in its
// response. Clients that lose that response must start over.
package chunked

import (
	"bytes"
	"sort"

	"github.com/gofiber/fiber/v2"

	"github.com/volatilevault/vault/internal/exfil"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/internal/transfer"
	"github.com/volatilevault/vault/pkg/utils"
)

// Type is the configured type name of this transport.
const Type = "chunked"

// Options configures a Provider.
type Options struct {
	DisplayName string
	Description string
	// UploadHosts and DownloadHosts are the static pools, published to clients. Empty in
	// dynamic mode.
	UploadHosts   []string
	DownloadHosts []string
	Logger        *utils.StructuredLogger
}

// Provider serves chunked transfers through a transfer.Manager.
type Provider struct {
	name    string
	opts    Options
	manager *transfer.Manager
	logger  *utils.StructuredLogger
}

var _ extension.ExfilProvider = (*Provider)(nil)

// New creates a provider named name.
func New(name string, manager *transfer.Manager, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if opts.DisplayName == "" {
		opts.DisplayName = name
	}
	return &Provider{
		name:    name,
		opts:    opts,
		manager: manager,
		logger:  logger.WithComponent("chunked").WithField("exfil", name),
	}
}

func (p *Provider) Name() string { return p.name }
func (p *Provider) Type() string { return Type }

func (p *Provider) State() extension.State {
	return extension.StateInitialized
}

func (p *Provider) Capabilities() extension.Capabilities {
	return extension.UploadChunked | extension.DownloadChunked
}

// Manager returns the session manager, for expiry and reporting.
func (p *Provider) Manager() *transfer.Manager {
	return p.manager
}

func (p *Provider) Info() extension.Info {
	cfg := p.manager.Config()
	return extension.Info{
		Name:        p.name,
		Type:        Type,
		DisplayName: p.opts.DisplayName,
		Description: p.opts.Description,
		Info: map[string]interface{}{
			"chunkSize":     cfg.ChunkSize,
			"maxTotalSize":  cfg.MaxTotalSize,
			"uploadHosts":   nonNil(p.opts.UploadHosts),
			"downloadHosts": nonNil(p.opts.DownloadHosts),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Hosts returns the union of the static upload and download pools.
func (p *Provider) Hosts() []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, h := range append(append([]string(nil), p.opts.UploadHosts...), p.opts.DownloadHosts...) {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Mount installs the routes under /<name> of router.
func (p *Provider) Mount(router fiber.Router) {
	g := router.Group("/" + p.name)
	g.Post("/initupload/:storage/:size", p.initUpload)
	g.Get("/status/:transferId", p.status)
	g.Post("/upload/:transferId/chunk/:chunkNo", p.uploadChunk)
	g.Post("/initdownload/:id", p.initDownload)
	g.Get("/download/:transferId/chunk/:chunkNo", p.downloadChunk)
	g.Post("/download/terminate/:transferId", p.terminateDownload)
}

type initResponse struct {
	Message    string              `json:"message"`
	TransferID string              `json:"transferId"`
	Endpoints  []string            `json:"endpoints"`
	ChunkCount int                 `json:"chunkCount"`
	ChunkSize  int64               `json:"chunkSize"`
	Size       int64               `json:"size"`
	File       *exfil.FileResponse `json:"file,omitempty"`
}

func newInitResponse(snap transfer.Snapshot) initResponse {
	return initResponse{
		Message:    "Initialization successful",
		TransferID: snap.ID,
		Endpoints:  nonNil(snap.Endpoints),
		ChunkCount: snap.ChunkCount,
		ChunkSize:  snap.ChunkSize,
		Size:       snap.TotalSize,
	}
}

func (p *Provider) initUpload(c *fiber.Ctx) error {
	storage := c.Params("storage")
	size, err := exfil.ParseSize(c.Params("size"))
	if err != nil {
		return err
	}
	p.logger.Info("init upload", map[string]interface{}{"storage": storage, "size": size, "ip": c.IP()})

	snap, err := p.manager.CreateUploadSession(c.UserContext(), storage, size)
	if err != nil {
		return err
	}
	resp := newInitResponse(snap)

	// An empty upload has no chunk to trigger finalization.
	if snap.ChunkCount == 0 {
		info, err := p.manager.FinalizeUpload(c.UserContext(), snap.ID)
		if err != nil {
			return err
		}
		resp.File = exfil.NewFileResponse(info)
	}
	return c.JSON(resp)
}

func (p *Provider) status(c *fiber.Ctx) error {
	ready, err := p.manager.IsReady(c.UserContext(), c.Params("transferId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "Request successful", "ready": ready})
}

type chunkResponse struct {
	Message string              `json:"message"`
	Done    bool                `json:"done"`
	File    *exfil.FileResponse `json:"file,omitempty"`
}

func (p *Provider) uploadChunk(c *fiber.Ctx) error {
	id := c.Params("transferId")
	index, err := exfil.ParseIndex(c.Params("chunkNo"))
	if err != nil {
		return err
	}

	body := c.Body()
	if int64(len(body)) > p.manager.Config().ChunkSize {
		return exfil.ErrTooLarge
	}
	p.logger.Debug("upload chunk", map[string]interface{}{"transfer": id, "chunk": index, "size": len(body)})

	info, err := p.manager.ReceiveChunk(c.UserContext(), id, index, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp := chunkResponse{Message: "Chunk uploaded"}
	if info != nil {
		resp.Done = true
		resp.File = exfil.NewFileResponse(*info)
	}
	return c.JSON(resp)
}

func (p *Provider) initDownload(c *fiber.Ctx) error {
	id := c.Params("id")
	p.logger.Info("init download", map[string]interface{}{"file": id, "ip": c.IP()})

	snap, err := p.manager.CreateDownloadSession(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(newInitResponse(snap))
}

func (p *Provider) downloadChunk(c *fiber.Ctx) error {
	id := c.Params("transferId")
	index, err := exfil.ParseIndex(c.Params("chunkNo"))
	if err != nil {
		return err
	}

	r, size, err := p.manager.FetchChunk(c.UserContext(), id, index)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.SendStream(r, int(size))
}

func (p *Provider) terminateDownload(c *fiber.Ctx) error {
	id := c.Params("transferId")
	if err := p.manager.TerminateDownload(c.UserContext(), id); err != nil {
		return err
	}
	p.logger.Info("download terminated", map[string]interface{}{"transfer": id})
	return c.JSON(fiber.Map{"message": "Transfer terminated"})
}
