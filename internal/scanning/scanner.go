package scanning

import (
	"context"
	"errors"
	"fmt"
)

// Document is a fetched receipt document ready to be registered with a provider
type Document struct {
	Data        []byte `json:"data"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

// FileHandle is the opaque reference a provider hands back after an upload
type FileHandle struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
}

// Provider defines the two calls made against an inference provider
type Provider interface {
	// UploadDocument registers the document with the provider and returns its handle
	UploadDocument(ctx context.Context, doc Document) (FileHandle, error)
	// Infer asks the model to extract the receipt referenced by the handle and
	// returns the raw reply text
	Infer(ctx context.Context, handle FileHandle) (string, error)
	// Close releases provider resources
	Close() error
}

// ErrMalformedOutput is returned when model output holds no parseable JSON object
var ErrMalformedOutput = errors.New("malformed model output")

// FetchError is returned when the source document cannot be downloaded
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching document: %v", e.Err)
	}
	return fmt.Sprintf("fetching document: status %d", e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UploadError is returned when the provider rejects a document upload
type UploadError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("uploading document: %v", e.Err)
	}
	return fmt.Sprintf("uploading document: status %d: %s", e.StatusCode, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// InferenceError is returned when the extraction call fails or times out
type InferenceError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference: %v", e.Err)
	}
	return fmt.Sprintf("inference: status %d: %s", e.StatusCode, e.Message)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
