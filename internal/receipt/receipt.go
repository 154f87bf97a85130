package receipt

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a receipt
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound is returned when a receipt does not exist
	ErrNotFound = errors.New("receipt not found")
	// ErrAccessDenied is returned when the requesting subject does not own the receipt
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidTransition is returned when a status change would leave a terminal state
	ErrInvalidTransition = errors.New("invalid status transition")
)

// LineItem is a single purchased line owned by its receipt
type LineItem struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	TotalPrice float64 `json:"total_price"`
}

// Receipt represents an uploaded document and its extracted data
type Receipt struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	FileName      string    `json:"file_name"`
	Size          int64     `json:"size"`
	MIMEType      string    `json:"mime_type"`
	UploadedAt    time.Time `json:"uploaded_at"`
	StorageHandle string    `json:"storage_handle"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	// ExtractionJobID is the job that completed the extraction
	ExtractionJobID string `json:"extraction_job_id,omitempty"`

	DisplayName       string     `json:"display_name,omitempty"`
	MerchantName      string     `json:"merchant_name,omitempty"`
	MerchantAddress   string     `json:"merchant_address,omitempty"`
	MerchantContact   string     `json:"merchant_contact,omitempty"`
	TransactionDate   string     `json:"transaction_date,omitempty"` // as printed on the receipt
	TransactionAmount float64    `json:"transaction_amount"`
	Currency          string     `json:"currency,omitempty"`
	ReceiptSummary    string     `json:"receipt_summary,omitempty"`
	Items             []LineItem `json:"items"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Extraction holds the fields written onto a receipt when extraction completes
type Extraction struct {
	JobID             string
	DisplayName       string
	MerchantName      string
	MerchantAddress   string
	MerchantContact   string
	TransactionDate   string
	TransactionAmount float64
	Currency          string
	ReceiptSummary    string
	Items             []LineItem
}

// Filter narrows a receipt query
type Filter struct {
	OwnerID string
	Status  Status
	Search  string // case-insensitive substring of merchant, display name, file name or summary
}
