package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/melodygen/api/internal/config"
)

// Storage defines the interface for permanent object storage. A URL
// under the storage's public prefix is the terminal location of an
// asset and is never overwritten by a provider-hosted one.
type Storage interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	PersistFromURL(ctx context.Context, sourceURL, key, fallbackContentType string) (string, error)
	PublicURL(key string) string
	IsPermanentURL(url string) bool
}

// S3Client implements Storage against any S3-compatible endpoint
// (AWS S3 or Cloudflare R2).
type S3Client struct {
	s3Client   *s3.Client
	httpClient *http.Client
	bucketName string
	publicURL  string
}

// NewS3Client creates a permanent-storage client. httpClient is used
// for fetching provider-hosted assets before upload; nil gets a default
// with a 120s timeout (audio files are large).
func NewS3Client(cfg *config.StorageConfig, httpClient *http.Client) (*S3Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("storage configuration incomplete")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Client{
		s3Client:   s3.NewFromConfig(awsCfg),
		httpClient: httpClient,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Upload stores an object and returns its public URL.
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	_, err := c.s3Client.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return c.PublicURL(key), nil
}

// PersistFromURL downloads a provider-hosted asset and uploads it under
// key, returning the permanent URL.
func (c *S3Client) PersistFromURL(ctx context.Context, sourceURL, key, fallbackContentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asset fetch returned %d for %s", resp.StatusCode, sourceURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = fallbackContentType
	}

	return c.Upload(ctx, key, resp.Body, contentType)
}

// PublicURL returns the public CDN URL for a key.
func (c *S3Client) PublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucketName, key)
}

// IsPermanentURL reports whether a URL already points at this storage.
func (c *S3Client) IsPermanentURL(url string) bool {
	return url != "" && strings.HasPrefix(url, c.PublicURL(""))
}

// IsConfigured returns true if the client has valid configuration
func (c *S3Client) IsConfigured() bool {
	return c.s3Client != nil && c.bucketName != ""
}
