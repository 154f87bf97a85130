package receipt

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

	"cloud.google.com/go/storage"
)

// Storage defines the interface for file storage operations
type Storage interface {
	// Save saves a file and returns its opaque handle
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)

	// Get retrieves a file by handle
	Get(ctx context.Context, handle string) ([]byte, error)

	// Delete removes a file
	Delete(ctx context.Context, handle string) error

	// URL returns a time-limited URL the file can be fetched from
	URL(ctx context.Context, handle string) (string, error)
}

// FileSigner signs and verifies access tokens for local file handles
type FileSigner interface {
	SignFile(handle string, ttl time.Duration) (string, error)
	VerifyFile(handle, token string) error
}

// LocalStorage implements the Storage interface using local filesystem.
// URLs point at the server's /files route with a signed token.
type LocalStorage struct {
	basePath string
	baseURL  string
	signer   FileSigner
	ttl      time.Duration
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath, baseURL string, signer FileSigner, ttl time.Duration) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &LocalStorage{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		signer:   signer,
		ttl:      ttl,
	}, nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	path, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return name, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, handle string) ([]byte, error) {
	path, err := l.path(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %s", ErrNotFound, handle)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, handle string) error {
	path, err := l.path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// URL returns a signed URL served by the /files route
func (l *LocalStorage) URL(ctx context.Context, handle string) (string, error) {
	token, err := l.signer.SignFile(handle, l.ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/files/%s?token=%s", l.baseURL, url.PathEscape(handle), url.QueryEscape(token)), nil
}

// Verify checks a token previously issued by URL
func (l *LocalStorage) Verify(handle, token string) error {
	return l.signer.VerifyFile(handle, token)
}

// path resolves a handle inside basePath, rejecting traversal
func (l *LocalStorage) path(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) || handle == "." || handle == ".." {
		return "", fmt.Errorf("invalid file handle %q", handle)
	}
	return filepath.Join(l.basePath, handle), nil
}

// GCSStorage implements the Storage interface on a Google Cloud Storage bucket
type GCSStorage struct {
	client *storage.Client
	bucket string
	ttl    time.Duration
}

// NewGCSStorage creates a GCSStorage using application default credentials
func NewGCSStorage(ctx context.Context, bucket string, ttl time.Duration) (*GCSStorage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &GCSStorage{client: client, bucket: bucket, ttl: ttl}, nil
}

// Save uploads the file as an object named by the handle
func (g *GCSStorage) Save(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("writing object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing object writer: %w", err)
	}
	return name, nil
}

// Get downloads an object
func (g *GCSStorage) Get(ctx context.Context, handle string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(handle).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: object %s", ErrNotFound, handle)
		}
		return nil, fmt.Errorf("opening object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return data, nil
}

// Delete removes an object
func (g *GCSStorage) Delete(ctx context.Context, handle string) error {
	if err := g.client.Bucket(g.bucket).Object(handle).Delete(ctx); err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// URL returns a V4 signed GET URL for the object
func (g *GCSStorage) URL(ctx context.Context, handle string) (string, error) {
	signed, err := g.client.Bucket(g.bucket).SignedURL(handle, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(g.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("signing object url: %w", err)
	}
	return signed, nil
}

// Close closes the GCS client
func (g *GCSStorage) Close() error {
	return g.client.Close()
}
