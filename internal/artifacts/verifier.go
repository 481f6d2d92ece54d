package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"chat-message-pipeline/internal/config"
)

// ErrArtifactMissing indicates a referenced input artifact does not exist in
// the upload bucket. Retrying the job cannot fix it.
var ErrArtifactMissing = errors.New("input artifact missing")

// Verifier checks that the input artifacts referenced by a job still exist
// before the external invocation is started.
type Verifier struct {
	client *s3.Client
	bucket string
}

// NewVerifier builds a verifier against the configured upload bucket. When no
// bucket is configured it returns nil and verification is skipped.
func NewVerifier(ctx context.Context, cfg config.Config) (*Verifier, error) {
	if cfg.ArtifactS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Verifier{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Verify heads each referenced object. The first missing key fails the whole
// set with ErrArtifactMissing; other S3 errors are reported as-is so the
// caller can treat them as transient.
func (v *Verifier) Verify(ctx context.Context, fileIDs []string) error {
	for _, key := range fileIDs {
		_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(v.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			continue
		}
		var nf interface{ ErrorCode() string }
		if errors.As(err, &nf) && (nf.ErrorCode() == "NotFound" || nf.ErrorCode() == "NoSuchKey") {
			return fmt.Errorf("%w: %s", ErrArtifactMissing, key)
		}
		return fmt.Errorf("head artifact %s: %w", key, err)
	}
	return nil
}
