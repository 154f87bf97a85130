package scanning

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// maxDocumentSize bounds how much of a fetched document is read into memory
const maxDocumentSize = 50 << 20

// Client fetches documents and runs them through a Provider
type Client struct {
	provider   Provider
	httpClient *http.Client
	logger     *slog.Logger
	maxSize    int64
}

// NewClient creates a Client that downloads documents with a default HTTP client
func NewClient(provider Provider, logger *slog.Logger) *Client {
	return NewClientWithHTTP(provider, &http.Client{Timeout: 60 * time.Second}, logger)
}

// NewClientWithHTTP creates a Client with a custom HTTP client for testing
func NewClientWithHTTP(provider Provider, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider:   provider,
		httpClient: httpClient,
		logger:     logger,
		maxSize:    maxDocumentSize,
	}
}

// Extract fetches the document at documentURL, uploads it and returns the raw model text
func (c *Client) Extract(ctx context.Context, documentURL string) (string, error) {
	doc, err := c.Fetch(ctx, documentURL)
	if err != nil {
		return "", err
	}
	handle, err := c.UploadDocument(ctx, doc)
	if err != nil {
		return "", err
	}
	return c.Infer(ctx, handle)
}

// Fetch downloads the document bytes at documentURL
func (c *Client) Fetch(ctx context.Context, documentURL string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, documentURL, nil)
	if err != nil {
		return Document{}, &FetchError{URL: documentURL, Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, &FetchError{URL: documentURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, &FetchError{URL: documentURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return Document{}, &FetchError{URL: documentURL, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.maxSize {
		return Document{}, &FetchError{
			URL:        documentURL,
			StatusCode: http.StatusRequestEntityTooLarge,
			Err:        fmt.Errorf("document exceeds %d bytes", c.maxSize),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "application/pdf"
	}

	c.logger.Debug("Fetched document",
		"bytes", len(data),
		"content_type", contentType,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return Document{
		Data:        data,
		ContentType: contentType,
		Filename:    filenameFromURL(documentURL),
	}, nil
}

// UploadDocument registers the document with the provider
func (c *Client) UploadDocument(ctx context.Context, doc Document) (FileHandle, error) {
	handle, err := c.provider.UploadDocument(ctx, doc)
	if err != nil {
		return FileHandle{}, err
	}
	c.logger.Debug("Uploaded document to provider", "file_id", handle.ID)
	return handle, nil
}

// Infer runs the extraction prompt against an uploaded document
func (c *Client) Infer(ctx context.Context, handle FileHandle) (string, error) {
	start := time.Now()
	text, err := c.provider.Infer(ctx, handle)
	if err != nil {
		return "", err
	}
	c.logger.Debug("Received model output",
		"file_id", handle.ID,
		"chars", len(text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// Close closes the underlying provider
func (c *Client) Close() error {
	return c.provider.Close()
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "receipt.pdf"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "receipt.pdf"
	}
	if !strings.Contains(name, ".") {
		name += ".pdf"
	}
	return name
}
