// S3 backend for the photo store's blob tier.
//
// The backend talks to any S3-compatible endpoint (AWS S3, MinIO, Ceph RGW)
// through the AWS SDK for Go v2. Buckets are addressed directly; each content
// class lives in its own bucket (see Buckets). Credentials are resolved via
// the standard AWS credential chain unless static keys are configured.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner defines the subset of s3.PresignClient the backend uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignHeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignDeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Options configures NewS3Backend.
type S3Options struct {
	Region string
	// Endpoint overrides the default AWS endpoint resolution.
	Endpoint string
	// UsePathStyle selects path-style addressing (required by most
	// self-hosted S3 implementations).
	UsePathStyle bool
	// AccessKeyID and SecretAccessKey select static credentials.
	AccessKeyID     string
	SecretAccessKey string
	// Buckets are probed by HealthCheck and must exist at startup.
	Buckets []string
}

// S3Backend implements BlobStore against an S3-compatible service.
type S3Backend struct {
	client    S3API
	presigner Presigner
	buckets   []string
}

// NewS3Backend creates an S3Backend, loading AWS configuration with optional
// overrides for custom endpoint, path-style addressing, and static
// credentials. Every configured bucket is probed before returning.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	b := NewS3BackendWithClient(client, s3.NewPresignClient(client), opts.Buckets)

	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}

	slog.Info("S3 blob backend initialized", "region", opts.Region, "endpoint", opts.Endpoint, "buckets", opts.Buckets)
	return b, nil
}

// NewS3BackendWithClient creates an S3Backend with pre-configured clients.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClient(client S3API, presigner Presigner, buckets []string) *S3Backend {
	return &S3Backend{
		client:    client,
		presigner: presigner,
		buckets:   append([]string(nil), buckets...),
	}
}

// Put uploads data to bucket/key.
func (b *S3Backend) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (PutResult, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	resp, err := b.client.PutObject(ctx, input)
	if err != nil {
		return PutResult{}, fmt.Errorf("uploading %s/%s to S3: %w", bucket, key, err)
	}
	return PutResult{ETag: strings.Trim(aws.ToString(resp.ETag), `"`)}, nil
}

// Get downloads the full object at bucket/key.
func (b *S3Backend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("getting %s/%s from S3: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s body: %w", bucket, key, err)
	}
	return data, nil
}

// Stat returns object attributes via HeadObject.
func (b *S3Backend) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("stat %s/%s in S3: %w", bucket, key, err)
	}

	return &ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         strings.Trim(aws.ToString(resp.ETag), `"`),
		ContentType:  aws.ToString(resp.ContentType),
		LastModified: aws.ToTime(resp.LastModified).UTC(),
		Metadata:     resp.Metadata,
	}, nil
}

// Remove deletes bucket/key. S3 DeleteObject does not error on missing keys.
func (b *S3Backend) Remove(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting %s/%s from S3: %w", bucket, key, err)
	}
	return nil
}

// Presign mints a SigV4 presigned URL. The expiry is read back out of the
// signed URL so it matches what every other component will parse.
func (b *S3Backend) Presign(ctx context.Context, method, bucket, key string, lifetime time.Duration) (accessurl.URL, error) {
	if lifetime <= 0 {
		return accessurl.URL{}, fmt.Errorf("presign lifetime must be positive, got %s", lifetime)
	}
	expires := s3.WithPresignExpires(lifetime)

	var (
		req *v4.PresignedHTTPRequest
		err error
	)
	switch strings.ToUpper(method) {
	case MethodGet:
		req, err = b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, expires)
	case MethodPut:
		req, err = b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, expires)
	case MethodHead:
		req, err = b.presigner.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, expires)
	case MethodDelete:
		req, err = b.presigner.PresignDeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, expires)
	default:
		return accessurl.URL{}, fmt.Errorf("unsupported presign method %q", method)
	}
	if err != nil {
		return accessurl.URL{}, fmt.Errorf("presigning %s %s/%s: %w", method, bucket, key, err)
	}

	u := accessurl.Parse(req.URL)
	if u.ExpiresAt.IsZero() {
		return accessurl.URL{}, fmt.Errorf("presigned URL for %s/%s carries no expiry", bucket, key)
	}
	return u, nil
}

// List enumerates objects with ListObjectsV2, one page at a time.
func (b *S3Backend) List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if !recursive {
			input.Delimiter = aws.String("/")
		}

		paginator := s3.NewListObjectsV2Paginator(b.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(ObjectInfo{}, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(objectInfoFromListing(bucket, obj), nil) {
					return
				}
			}
		}
	}
}

func objectInfoFromListing(bucket string, obj types.Object) ObjectInfo {
	return ObjectInfo{
		Bucket:       bucket,
		Key:          aws.ToString(obj.Key),
		Size:         aws.ToInt64(obj.Size),
		ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
		LastModified: aws.ToTime(obj.LastModified).UTC(),
	}
}

// HealthCheck verifies that every configured bucket is accessible.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	for _, bucket := range b.buckets {
		if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return fmt.Errorf("cannot access S3 bucket %q: %w", bucket, err)
		}
	}
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// Ensure S3Backend implements BlobStore at compile time.
var _ BlobStore = (*S3Backend)(nil)
