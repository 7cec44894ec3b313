// Package storage persists rendered artifacts in S3 compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidLocation is returned for locations this store did not produce.
var ErrInvalidLocation = errors.New("storage: invalid location")

// Store is the durable object store used by the delivery saga.
type Store interface {
	// Put uploads body under name and returns its location.
	Put(ctx context.Context, name string, body []byte, contentType string) (string, error)
	// Delete removes the object at location. Missing objects are not an error.
	Delete(ctx context.Context, location string) error
	// Link returns a time limited download URL for location.
	Link(ctx context.Context, location string, ttl time.Duration) (string, error)
}

// ObjectName returns a collision resistant key for a payment's artifact.
func ObjectName(prefix, paymentID string, now time.Time) string {
	return path.Join(prefix, now.UTC().Format("2006/01/02"), paymentID+"-"+uuid.NewString()+".pdf")
}

// S3Config configures NewS3Store.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	HTTPClient   *http.Client
}

// S3Store implements Store on S3.
type S3Store struct {
	Client  *s3.Client
	Presign *s3.PresignClient
	Bucket  string
}

// NewS3Store builds a client from cfg. Static keys take precedence over the
// default credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// many S3 compatible stores reject the default flexible checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Store{Client: client, Presign: s3.NewPresignClient(client), Bucket: cfg.Bucket}, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, name string, body []byte, contentType string) (string, error) {
	ctx, span := otel.Tracer("storage.S3Store").Start(ctx, "S3Store.Put")
	defer span.End()
	span.SetAttributes(attribute.String("s3.bucket", s.Bucket), attribute.String("s3.key", name), attribute.Int("s3.size", len(body)))

	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(name),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("storage: put %s: %w", name, err)
	}
	return "s3://" + s.Bucket + "/" + name, nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return err
	}
	ctx, span := otel.Tracer("storage.S3Store").Start(ctx, "S3Store.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("s3.bucket", bucket), attribute.String("s3.key", key))

	if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storage: delete %s: %w", location, err)
	}
	return nil
}

// Link implements Store with a presigned GET.
func (s *S3Store) Link(ctx context.Context, location string, ttl time.Duration) (string, error) {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return "", err
	}
	req, err := s.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(`attachment; filename="meal-plan.pdf"`),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", location, err)
	}
	return req.URL, nil
}

// ParseLocation splits "s3://bucket/key".
func ParseLocation(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return bucket, key, nil
}

// MemoryStore keeps objects in memory. It backs local development when no
// bucket is configured, and tests.
type MemoryStore struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: baseURL, objects: map[string][]byte{}}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, name string, body []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = bytes.Clone(body)
	return "s3://memory/" + name, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, location string) error {
	_, key, err := ParseLocation(location)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Link implements Store.
func (m *MemoryStore) Link(_ context.Context, location string, ttl time.Duration) (string, error) {
	_, key, err := ParseLocation(location)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?expires=%d", strings.TrimSuffix(m.BaseURL, "/"), key, int(ttl.Seconds())), nil
}

// Get returns a stored object.
func (m *MemoryStore) Get(location string) ([]byte, bool) {
	_, key, err := ParseLocation(location)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
