package server

import (
	"context"
	"fmt"

	"github.com/volatilevault/vault/internal/circuit"
	"github.com/volatilevault/vault/internal/config"
	"github.com/volatilevault/vault/internal/endpoint"
	"github.com/volatilevault/vault/internal/endpoint/cloudfront"
	"github.com/volatilevault/vault/internal/exfil/basichttp"
	"github.com/volatilevault/vault/internal/exfil/chunked"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/internal/reclaim"
	"github.com/volatilevault/vault/internal/staging"
	"github.com/volatilevault/vault/internal/storage/filesystem"
	s3storage "github.com/volatilevault/vault/internal/storage/s3"
	"github.com/volatilevault/vault/internal/transfer"
	"github.com/volatilevault/vault/pkg/errors"
)

const stagingComponent = "staging"

func (s *Server) build(ctx context.Context) error {
	store, err := staging.Open(s.config.Global.StagingFolder, staging.Options{Reset: true, Logger: s.logger})
	if err != nil {
		return err
	}
	s.staging = store
	s.health.RegisterComponent(stagingComponent, store.Ping)

	for _, sc := range s.config.Storages {
		provider, err := s.buildStorage(ctx, sc)
		if err != nil {
			return err
		}
		if err := s.register(provider, s.registry.RegisterStorage(provider)); err != nil {
			return err
		}
	}

	for _, ec := range s.config.Exfils {
		provider, err := s.buildExfil(ctx, ec)
		if err != nil {
			return err
		}
		if err := s.register(provider, s.registry.RegisterExfil(provider)); err != nil {
			return err
		}
	}
	return nil
}

// register rejects extensions that came up broken.
func (s *Server) register(ext extension.Extension, regErr error) error {
	if regErr != nil {
		return regErr
	}
	if ext.State() == extension.StateInitializationError {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"initialization of extension %q (%s) failed", ext.Name(), ext.Type())
	}
	s.logger.Info("extension ready", map[string]interface{}{
		"extension": ext.Name(),
		"type":      ext.Type(),
	})
	return nil
}

func (s *Server) buildStorage(ctx context.Context, sc config.StorageConfig) (extension.StorageProvider, error) {
	component := "storage:" + sc.Name

	switch sc.Type {
	case config.StorageFilesystem:
		fs, err := filesystem.New(sc.Name, filesystem.Config{
			DisplayName: sc.DisplayName,
			Description: sc.Description,
			Folder:      sc.Folder,
			FileExpiry:  sc.FileExpiry,
			MaxSize:     config.Bytes(sc.MaxSize),
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, fs.Close)
		s.health.RegisterComponent(component, fs.Ping)
		s.health.SetComponentMetadata(component, "type", sc.Type)
		s.health.SetComponentMetadata(component, "folder", sc.Folder)
		return fs, nil

	case config.StorageS3:
		backend, err := s3storage.New(ctx, sc.Name, s3storage.Config{
			DisplayName:     sc.DisplayName,
			Description:     sc.Description,
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			ForcePathStyle:  sc.ForcePathStyle,
			KeyPrefix:       sc.KeyPrefix,
			FileExpiry:      sc.FileExpiry,
			MaxSize:         config.Bytes(sc.MaxSize),
			PresignURLs:     sc.PresignURLs,
			PartSize:        config.Bytes(sc.PartSize),
			Concurrency:     sc.Concurrency,
			OptimizedUpload: sc.OptimizedUpload,
			StorageClass:    sc.StorageClass,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.health.RegisterComponent(component, backend.HealthCheck)
		s.health.SetComponentMetadata(component, "type", sc.Type)
		s.health.SetComponentMetadata(component, "bucket", sc.Bucket)
		s.health.SetComponentMetadata(component, "region", sc.Region)
		return backend, nil
	}
	return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage type %q", sc.Type)
}

func (s *Server) buildExfil(ctx context.Context, ec config.ExfilConfig) (extension.ExfilProvider, error) {
	recorder := s.collector.Exfil(ec.Name)
	component := "exfil:" + ec.Name

	switch ec.Type {
	case config.ExfilBasicHTTP:
		s.health.RegisterComponent(component, nil)
		s.health.SetComponentMetadata(component, "type", ec.Type)
		return basichttp.New(ec.Name, s.registry, basichttp.Options{
			DisplayName: ec.DisplayName,
			Description: ec.Description,
			MaxSize:     config.Bytes(ec.MaxSize),
			Hosts:       ec.Hosts,
			Recorder:    recorder,
			Logger:      s.logger,
		}), nil

	case config.ExfilChunked:
		var registrar *cloudfront.Registrar
		provision := func(direction string, tc config.TransferConfig) (endpoint.Provisioner, []string, error) {
			if tc.Mode == config.ModeStatic {
				p, err := endpoint.NewStatic(tc.Hosts)
				return p, tc.Hosts, err
			}
			if registrar == nil {
				r, err := s.buildRegistrar(ctx, ec)
				if err != nil {
					return nil, nil, err
				}
				registrar = r
			}
			name := ec.Name + "/" + direction
			d := endpoint.NewDynamic(name, registrar, endpoint.DynamicConfig{
				HostLimit: tc.MaxDynamicHosts,
				Retry:     s.config.Network.Retry,
				Breaker:   s.config.Network.CircuitBreaker,
				Logger:    s.logger,
				OnFailure: func(operation string, err error) {
					s.collector.ProvisioningFailed(name, operation, err)
				},
			})
			s.dynamics = append(s.dynamics, d)
			return d, nil, nil
		}

		uploads, uploadHosts, err := provision(transfer.Upload.String(), ec.Upload)
		if err != nil {
			return nil, err
		}
		downloads, downloadHosts, err := provision(transfer.Download.String(), ec.Download)
		if err != nil {
			return nil, err
		}

		manager, err := transfer.NewManager(ec.Name, transfer.Config{
			ChunkSize:    config.Bytes(ec.ChunkSize),
			MaxTotalSize: config.Bytes(ec.MaxTotalSize),
			UploadTTL:    ec.Upload.MaxDuration,
			DownloadTTL:  ec.Download.MaxDuration,
		}, transfer.Dependencies{
			Registry:            s.registry,
			Staging:             s.staging,
			UploadProvisioner:   uploads,
			DownloadProvisioner: downloads,
			Recorder:            recorder,
			Logger:              s.logger,
		})
		if err != nil {
			return nil, err
		}
		s.managers = append(s.managers, manager)
		s.health.RegisterComponent(component, breakerCheck(uploads, downloads))
		s.health.SetComponentMetadata(component, "type", ec.Type)
		s.health.SetComponentMetadata(component, "upload_mode", ec.Upload.Mode)
		s.health.SetComponentMetadata(component, "download_mode", ec.Download.Mode)

		return chunked.New(ec.Name, manager, chunked.Options{
			DisplayName:   ec.DisplayName,
			Description:   ec.Description,
			UploadHosts:   uploadHosts,
			DownloadHosts: downloadHosts,
			Logger:        s.logger,
		}), nil
	}
	return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown exfil type %q", ec.Type)
}

func (s *Server) buildRegistrar(ctx context.Context, ec config.ExfilConfig) (*cloudfront.Registrar, error) {
	cf := ec.CloudFront
	r, err := cloudfront.New(ctx, cloudfront.Config{
		Region:          cf.Region,
		AccessKeyID:     cf.AccessKeyID,
		SecretAccessKey: cf.SecretAccessKey,
		DistributionTag: cf.DistributionTag,
		OriginDomain:    cf.OriginDomain,
		PollInterval:    cf.PollInterval,
	}, s.logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProvisionerUnavailable,
			fmt.Sprintf("exfil %q: cloudfront client", ec.Name))
	}
	if err := r.Init(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProvisionerUnavailable,
			fmt.Sprintf("exfil %q: cloudfront init", ec.Name))
	}
	return r, nil
}

// breakerCheck fails while any dynamic provisioner of the exfil has its breaker open.
func breakerCheck(provisioners ...endpoint.Provisioner) func(context.Context) error {
	return func(context.Context) error {
		for _, p := range provisioners {
			d, ok := p.(*endpoint.Dynamic)
			if ok && d.BreakerState() == circuit.StateOpen {
				return errors.NewError(errors.ErrCodeProvisionerUnavailable, "endpoint provider circuit open")
			}
		}
		return nil
	}
}

func (s *Server) expirers() []reclaim.Expirer {
	out := make([]reclaim.Expirer, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m)
	}
	return out
}

func (s *Server) sweepers() []reclaim.NamedSweeper {
	var out []reclaim.NamedSweeper
	for _, p := range s.registry.Storages() {
		if sw, ok := p.(reclaim.NamedSweeper); ok {
			out = append(out, sw)
		}
	}
	return out
}
