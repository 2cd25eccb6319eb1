// Package storage moves container files and record exports through
// S3-compatible object storage (AWS S3, Digital Ocean Spaces, MinIO)
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Config contains the object storage settings
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every key written by the client
	Prefix string
	// ForcePathStyle is needed by MinIO and most local emulators
	ForcePathStyle bool
}

// Object describes a stored object
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client reads container sources and writes record exports
type Client struct {
	api    s3iface.S3API
	bucket string
	prefix string
	now    func() time.Time
}

// New creates a client from config
func New(config Config) (*Client, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsConfig := &aws.Config{
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(config.ForcePathStyle),
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint) // e.g., "nyc3.digitaloceanspaces.com"
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return NewWithAPI(s3.New(sess), config.Bucket, config.Prefix), nil
}

// NewWithAPI wraps an existing S3 API implementation
func NewWithAPI(api s3iface.S3API, bucket, prefix string) *Client {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Client{api: api, bucket: bucket, prefix: prefix, now: time.Now}
}

// IsRef reports whether s names an object ("s3://bucket/key")
func IsRef(s string) bool {
	return strings.HasPrefix(s, "s3://")
}

// ParseRef splits "s3://bucket/key" into bucket and key
func ParseRef(ref string) (string, string, error) {
	if !IsRef(ref) {
		return "", "", fmt.Errorf("not an s3 reference: %q", ref)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 reference needs a bucket and a key: %q", ref)
	}
	return bucket, key, nil
}

// Open streams an object. ref is "s3://bucket/key" or a key in the
// configured bucket. The returned name is the key's base name.
func (c *Client) Open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	bucket, key := c.bucket, ref
	if IsRef(ref) {
		var err error
		if bucket, key, err = ParseRef(ref); err != nil {
			return nil, "", err
		}
	}

	result, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return result.Body, path.Base(key), nil
}

// UploadExport stores an export of layout and returns its key. Exports are
// laid out by date: <prefix>exports/2006-01-02/<layout>-<unix>.jsonl
func (c *Client) UploadExport(ctx context.Context, layout string, data io.Reader) (string, error) {
	now := c.now()
	key := fmt.Sprintf("%sexports/%s/%s-%d.jsonl", c.prefix, now.Format("2006-01-02"), sanitize(layout), now.Unix())

	// PutObject needs an io.ReadSeeker
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return "", fmt.Errorf("failed to read data: %w", err)
	}

	_, err := c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
		Metadata: map[string]*string{
			"layout":      aws.String(layout),
			"export-time": aws.String(now.UTC().Format(time.RFC3339)),
		},
		ContentType: aws.String("application/x-jsonlines"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	return key, nil
}

// ListExports lists the exports written on date
func (c *Client) ListExports(ctx context.Context, date time.Time) ([]Object, error) {
	prefix := fmt.Sprintf("%sexports/%s/", c.prefix, date.Format("2006-01-02"))

	result, err := c.api.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	objects := make([]Object, 0, len(result.Contents))
	for _, o := range result.Contents {
		objects = append(objects, Object{
			Key:          aws.StringValue(o.Key),
			Size:         aws.Int64Value(o.Size),
			LastModified: aws.TimeValue(o.LastModified),
		})
	}
	return objects, nil
}

// Delete removes an object from the configured bucket
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, name)
}
