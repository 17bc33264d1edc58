// Package cloudfront provisions transfer endpoints as CloudFront distributions that front the
// vault's own origin. Each endpoint is one distribution; releasing it disables the
// distribution, waits for the change to deploy and deletes it.
package cloudfront

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"

	"github.com/volatilevault/vault/internal/endpoint"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

const statusDeployed = "Deployed"

// API is the subset of the CloudFront client used by the registrar.
type API interface {
	ListDistributions(ctx context.Context, in *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	ListCachePolicies(ctx context.Context, in *cloudfront.ListCachePoliciesInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListCachePoliciesOutput, error)
	CreateCachePolicy(ctx context.Context, in *cloudfront.CreateCachePolicyInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateCachePolicyOutput, error)
	CreateDistributionWithTags(ctx context.Context, in *cloudfront.CreateDistributionWithTagsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionWithTagsOutput, error)
	GetDistribution(ctx context.Context, in *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	UpdateDistribution(ctx context.Context, in *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	DeleteDistribution(ctx context.Context, in *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error)
}

// Config configures the registrar.
type Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// DistributionTag prefixes caller references and tags every distribution created.
	DistributionTag string `yaml:"distribution_tag"`
	// OriginDomain is the public domain of this server that distributions forward to.
	OriginDomain string `yaml:"origin_domain"`
	// PollInterval is the wait between status checks while a disable deploys.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Registrar implements endpoint.Registrar on CloudFront.
type Registrar struct {
	api           API
	config        Config
	cachePolicyID string
	logger        *utils.StructuredLogger
}

var _ endpoint.Registrar = (*Registrar)(nil)

// New creates a registrar with an SDK client built from cfg.
func New(ctx context.Context, cfg Config, logger *utils.StructuredLogger) (*Registrar, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithAPI(cloudfront.NewFromConfig(awsCfg), cfg, logger)
}

// NewWithAPI creates a registrar over an existing client.
func NewWithAPI(api API, cfg Config, logger *utils.StructuredLogger) (*Registrar, error) {
	if cfg.OriginDomain == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cloudfront origin_domain must be set")
	}
	if cfg.DistributionTag == "" {
		cfg.DistributionTag = "volatilevault"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Registrar{api: api, config: cfg, logger: logger.WithComponent("cloudfront")}, nil
}

// Init checks the credentials and finds or creates the cache policy that forwards the
// Authorization header.
func (r *Registrar) Init(ctx context.Context) error {
	if _, err := r.api.ListDistributions(ctx, &cloudfront.ListDistributionsInput{MaxItems: aws.Int32(1)}); err != nil {
		return translateError(err, "validate credentials")
	}

	policyName := r.config.DistributionTag + "IncludeAuthorizationHeaderPolicy"
	policies, err := r.api.ListCachePolicies(ctx, &cloudfront.ListCachePoliciesInput{Type: cftypes.CachePolicyTypeCustom})
	if err != nil {
		return translateError(err, "list cache policies")
	}
	if policies.CachePolicyList != nil {
		for _, item := range policies.CachePolicyList.Items {
			p := item.CachePolicy
			if p != nil && p.CachePolicyConfig != nil && aws.ToString(p.CachePolicyConfig.Name) == policyName {
				r.cachePolicyID = aws.ToString(p.Id)
				return nil
			}
		}
	}

	created, err := r.api.CreateCachePolicy(ctx, &cloudfront.CreateCachePolicyInput{
		CachePolicyConfig: &cftypes.CachePolicyConfig{
			Name:       aws.String(policyName),
			MinTTL:     aws.Int64(1),
			DefaultTTL: aws.Int64(86400),
			MaxTTL:     aws.Int64(31536000),
			ParametersInCacheKeyAndForwardedToOrigin: &cftypes.ParametersInCacheKeyAndForwardedToOrigin{
				EnableAcceptEncodingGzip: aws.Bool(false),
				HeadersConfig: &cftypes.CachePolicyHeadersConfig{
					HeaderBehavior: cftypes.CachePolicyHeaderBehaviorWhitelist,
					Headers:        &cftypes.Headers{Quantity: aws.Int32(1), Items: []string{"Authorization"}},
				},
				CookiesConfig: &cftypes.CachePolicyCookiesConfig{
					CookieBehavior: cftypes.CachePolicyCookieBehaviorNone,
				},
				QueryStringsConfig: &cftypes.CachePolicyQueryStringsConfig{
					QueryStringBehavior: cftypes.CachePolicyQueryStringBehaviorNone,
				},
			},
		},
	})
	if err != nil {
		return translateError(err, "create cache policy")
	}
	r.cachePolicyID = aws.ToString(created.CachePolicy.Id)
	r.logger.Info("created cache policy", map[string]interface{}{"name": policyName, "id": r.cachePolicyID})
	return nil
}

// Register creates one distribution named name.
func (r *Registrar) Register(ctx context.Context, name string) (endpoint.Allocation, error) {
	if r.cachePolicyID == "" {
		return endpoint.Allocation{}, errors.NewError(errors.ErrCodeInvalidState, "cloudfront registrar not initialized")
	}

	methods := []cftypes.Method{
		cftypes.MethodGet, cftypes.MethodHead, cftypes.MethodOptions, cftypes.MethodPut,
		cftypes.MethodPost, cftypes.MethodPatch, cftypes.MethodDelete,
	}
	out, err := r.api.CreateDistributionWithTags(ctx, &cloudfront.CreateDistributionWithTagsInput{
		DistributionConfigWithTags: &cftypes.DistributionConfigWithTags{
			DistributionConfig: &cftypes.DistributionConfig{
				CallerReference: aws.String(r.config.DistributionTag + " " + name),
				Comment:         aws.String(r.config.DistributionTag),
				Enabled:         aws.Bool(true),
				Origins: &cftypes.Origins{
					Quantity: aws.Int32(1),
					Items: []cftypes.Origin{{
						Id:         aws.String(name),
						DomainName: aws.String(r.config.OriginDomain),
						CustomOriginConfig: &cftypes.CustomOriginConfig{
							HTTPPort:             aws.Int32(80),
							HTTPSPort:            aws.Int32(443),
							OriginProtocolPolicy: cftypes.OriginProtocolPolicyHttpsOnly,
						},
					}},
				},
				DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
					TargetOriginId:       aws.String(name),
					ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyHttpsOnly,
					CachePolicyId:        aws.String(r.cachePolicyID),
					AllowedMethods: &cftypes.AllowedMethods{
						Quantity: aws.Int32(int32(len(methods))),
						Items:    methods,
						CachedMethods: &cftypes.CachedMethods{
							Quantity: aws.Int32(2),
							Items:    []cftypes.Method{cftypes.MethodGet, cftypes.MethodHead},
						},
					},
				},
			},
			Tags: &cftypes.Tags{Items: []cftypes.Tag{{
				Key:   aws.String(r.config.DistributionTag),
				Value: aws.String(name),
			}}},
		},
	})
	if err != nil {
		return endpoint.Allocation{}, translateError(err, "create distribution")
	}

	alloc := endpoint.Allocation{
		ID:      aws.ToString(out.Distribution.Id),
		Address: aws.ToString(out.Distribution.DomainName),
	}
	r.logger.Debug("created distribution", map[string]interface{}{"name": name, "id": alloc.ID, "domain": alloc.Address})
	return alloc, nil
}

// IsDeployed reports whether the distribution finished deploying.
func (r *Registrar) IsDeployed(ctx context.Context, alloc endpoint.Allocation) (bool, error) {
	out, err := r.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(alloc.ID)})
	if err != nil {
		return false, translateError(err, "get distribution")
	}
	return aws.ToString(out.Distribution.Status) == statusDeployed, nil
}

// Release disables the distribution, waits until the change is deployed and deletes it.
// A distribution that no longer exists counts as released.
func (r *Registrar) Release(ctx context.Context, alloc endpoint.Allocation) error {
	got, err := r.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(alloc.ID)})
	if isNoSuchDistribution(err) {
		return nil
	}
	if err != nil {
		return translateError(err, "get distribution")
	}

	etag := got.ETag
	dc := got.Distribution.DistributionConfig
	if aws.ToBool(dc.Enabled) {
		dc.Enabled = aws.Bool(false)
		updated, err := r.api.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 aws.String(alloc.ID),
			IfMatch:            etag,
			DistributionConfig: dc,
		})
		if err != nil {
			return translateError(err, "disable distribution")
		}
		etag = updated.ETag
	}

	for {
		current, err := r.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(alloc.ID)})
		if err != nil {
			return translateError(err, "get distribution")
		}
		if aws.ToString(current.Distribution.Status) == statusDeployed {
			etag = current.ETag
			break
		}

		timer := time.NewTimer(r.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrCodeReleaseFailed, "waiting for distribution to disable").
				WithContext("distribution", alloc.ID)
		case <-timer.C:
		}
	}

	_, err = r.api.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{
		Id:      aws.String(alloc.ID),
		IfMatch: etag,
	})
	if err != nil && !isNoSuchDistribution(err) {
		return translateError(err, "delete distribution")
	}
	r.logger.Debug("deleted distribution", map[string]interface{}{"id": alloc.ID})
	return nil
}

func isNoSuchDistribution(err error) bool {
	var apiErr smithy.APIError
	return stderr.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchDistribution"
}

// translateError maps CloudFront failures onto vault errors. Request errors the caller cannot
// fix by waiting are not retryable.
func translateError(err error, operation string) error {
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidArgument", "InvalidOrigin", "AccessDenied", "InvalidClientTokenId", "SignatureDoesNotMatch":
			return errors.Wrap(err, errors.ErrCodeInvalidConfig, operation).
				WithComponent("cloudfront").
				WithContext("aws_code", apiErr.ErrorCode())
		}
		return errors.Wrap(err, errors.ErrCodeProvisioningFailed, operation).
			WithComponent("cloudfront").
			WithContext("aws_code", apiErr.ErrorCode())
	}
	return errors.Wrap(err, errors.ErrCodeProvisioningFailed, operation).WithComponent("cloudfront")
}
