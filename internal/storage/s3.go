package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"r2v/internal/infra"
)

// GatewayOptions configures the object store gateway.
type GatewayOptions struct {
	EndpointURL       string
	PublicEndpointURL string
	AccessKey         string
	SecretKey         string
	Region            string
	Logger            *infra.Logger
}

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type presignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Gateway issues signed URLs and moves artifacts between local disk and an
// S3 compatible store. Server traffic and signing go to the internal
// endpoint; signed URLs handed to clients are rewritten onto the public one.
type Gateway struct {
	objects   objectAPI
	presigner presignAPI
	public    *url.URL
	logger    *infra.Logger
}

// NewGateway builds an S3 client for the internal endpoint.
func NewGateway(ctx context.Context, opts GatewayOptions) (*Gateway, error) {
	if strings.TrimSpace(opts.EndpointURL) == "" {
		return nil, errors.New("storage: endpoint url is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(strings.TrimRight(opts.EndpointURL, "/"))
		o.UsePathStyle = true
	})
	return newGateway(client, s3.NewPresignClient(client), opts.PublicEndpointURL, opts.Logger)
}

func newGateway(objects objectAPI, presigner presignAPI, publicEndpoint string, logger *infra.Logger) (*Gateway, error) {
	g := &Gateway{objects: objects, presigner: presigner, logger: logger}
	if g.logger == nil {
		discard := zerolog.Nop()
		g.logger = &discard
	}
	if publicEndpoint = strings.TrimSpace(publicEndpoint); publicEndpoint != "" {
		parsed, err := url.Parse(publicEndpoint)
		if err != nil {
			return nil, fmt.Errorf("storage: parse public endpoint: %w", err)
		}
		if parsed.Scheme != "" && parsed.Host != "" {
			g.public = parsed
		}
	}
	return g, nil
}

// PresignPut returns a URL the client can PUT the object body to. When
// contentType is set the upload must send the same Content-Type header.
func (g *Gateway) PresignPut(ctx context.Context, bucket, key string, expiry time.Duration, contentType string) (string, error) {
	input := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := g.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("storage: presign put %s/%s: %w", bucket, key, err)
	}
	return g.publicURL(req.URL), nil
}

// PresignGet returns a time-limited download URL.
func (g *Gateway) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("storage: presign get %s/%s: %w", bucket, key, err)
	}
	return g.publicURL(req.URL), nil
}

// Upload writes a local file to bucket/key.
func (g *Gateway) Upload(ctx context.Context, localPath, bucket, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("storage: stat %s: %w", localPath, err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.objects.PutObject(ctx, input); err != nil {
		return fmt.Errorf("storage: upload %s/%s: %w", bucket, key, err)
	}
	g.logger.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", info.Size()).Msg("storage: uploaded")
	return nil
}

// Download copies bucket/key into destPath, creating parent directories. A
// partially written file is removed on failure.
func (g *Gateway) Download(ctx context.Context, bucket, key, destPath string) error {
	out, err := g.objects.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("storage: download %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("storage: ensure directory: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", destPath, err)
	}
	n, copyErr := io.Copy(f, out.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("storage: write %s: %w", destPath, err)
	}
	g.logger.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("storage: downloaded")
	return nil
}

func (g *Gateway) publicURL(raw string) string {
	return rewriteEndpoint(raw, g.public)
}

// rewriteEndpoint swaps scheme and host for the public endpoint and prefixes
// its path. Path, query and signature of the signed URL are kept.
func rewriteEndpoint(raw string, public *url.URL) string {
	if public == nil {
		return raw
	}
	signed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	signed.Scheme = public.Scheme
	signed.Host = public.Host
	if prefix := strings.TrimRight(public.Path, "/"); prefix != "" {
		signed.Path = prefix + signed.Path
		if signed.RawPath != "" {
			signed.RawPath = prefix + signed.RawPath
		}
	}
	return signed.String()
}
