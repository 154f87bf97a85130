// Package events carries upload-completed events to the extraction pipeline.
package events

import (
	"context"
	"errors"

	"github.com/zombor/receipt-scanner/internal/extraction"
)

// ExtractRequestedType names the upload-completed event
const ExtractRequestedType = "receipt/extract.requested"

var (
	// ErrInvalidEvent is returned for payloads missing required fields
	ErrInvalidEvent = errors.New("invalid event")
	// ErrBusClosed is returned when dispatching to a bus that is shutting down
	ErrBusClosed = errors.New("event bus closed")
)

// ExtractRequested is published once a receipt document has been uploaded
type ExtractRequested struct {
	// ID is stable across redeliveries and keys the pipeline's step journal
	ID              string `json:"id"`
	URL             string `json:"url" validate:"required,url"`
	ReceiptID       string `json:"receiptId" validate:"required"`
	FileDisplayName string `json:"fileDisplayName,omitempty"`
}

// Handler consumes one event and reports the extraction outcome
type Handler interface {
	Handle(ctx context.Context, ev ExtractRequested) (extraction.Result, error)
}
