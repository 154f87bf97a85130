package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnsupportedType is returned when an upload is not a PDF
var ErrUnsupportedType = errors.New("only PDF uploads are supported")

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Dispatcher publishes the upload-completed event that starts extraction
type Dispatcher interface {
	Dispatch(ctx context.Context, receiptID, documentURL string) error
}

// AccessTokenIssuer issues short-lived tokens for the embedded billing UI
type AccessTokenIssuer interface {
	IssueTemporaryAccessToken(ctx context.Context, resourceType, id string) (string, error)
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt operations on behalf of an authenticated owner
type Service struct {
	db          DB
	storage     Storage
	dispatcher  Dispatcher
	billing     AccessTokenIssuer
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, dispatcher Dispatcher, billing AccessTokenIssuer) *Service {
	return NewServiceWithDeps(db, storage, dispatcher, billing, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, dispatcher Dispatcher, billing AccessTokenIssuer, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		dispatcher:  dispatcher,
		billing:     billing,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}

	return base + strings.ToLower(ext)
}

// isPDF reports whether the upload is a PDF by declared type or magic bytes
func isPDF(data []byte, contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/pdf" && contentType != "application/octet-stream" {
		return false
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// UploadReceipt stores the document, records it as processing and dispatches extraction
func (s *Service) UploadReceipt(ctx context.Context, ownerID, filename string, data []byte, contentType string) (*Receipt, error) {
	if !isPDF(data, contentType) {
		return nil, ErrUnsupportedType
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	handle, err := s.storage.Save(ctx, fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data, "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	receipt := &Receipt{
		ID:            id,
		OwnerID:       ownerID,
		FileName:      filename,
		Size:          int64(len(data)),
		MIMEType:      "application/pdf",
		UploadedAt:    now,
		StorageHandle: handle,
		Status:        StatusProcessing,
		Items:         []LineItem{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.db.InsertReceipt(receipt); err != nil {
		if delErr := s.storage.Delete(ctx, handle); delErr != nil {
			slog.Warn("Failed to delete file", "handle", handle, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	documentURL, err := s.storage.URL(ctx, handle)
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, id, documentURL)
	}
	if err != nil {
		slog.Error("Failed to dispatch extraction", "receipt_id", id, "error", err)
		if _, failErr := s.db.UpdateReceipt(id, func(r *Receipt) error {
			r.Status = StatusFailed
			r.FailureReason = "dispatch"
			return nil
		}); failErr != nil {
			slog.Error("Failed to mark receipt failed", "receipt_id", id, "error", failErr)
		}
		return nil, fmt.Errorf("dispatching extraction: %w", err)
	}

	slog.Info("Receipt uploaded", "receipt_id", id, "owner_id", ownerID, "size", receipt.Size)
	return receipt, nil
}

// GetReceipt retrieves a receipt owned by ownerID
func (s *Service) GetReceipt(ownerID, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return receipt, nil
}

// ListReceipts returns the owner's receipts newest first, optionally filtered
func (s *Service) ListReceipts(ownerID string, status Status, search string) ([]*Receipt, error) {
	receipts, err := s.db.QueryReceipts(Filter{OwnerID: ownerID, Status: status, Search: search})
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(ctx context.Context, ownerID, id string) error {
	receipt, err := s.GetReceipt(ownerID, id)
	if err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, receipt.StorageHandle); err != nil {
		// Log error but continue with database deletion
		slog.Warn("Failed to delete file", "handle", receipt.StorageHandle, "error", err)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// FileURL returns a fetchable URL for the receipt's document
func (s *Service) FileURL(ctx context.Context, ownerID, id string) (string, error) {
	receipt, err := s.GetReceipt(ownerID, id)
	if err != nil {
		return "", err
	}
	u, err := s.storage.URL(ctx, receipt.StorageHandle)
	if err != nil {
		return "", fmt.Errorf("resolving file url: %w", err)
	}
	return u, nil
}

// BillingToken issues a temporary billing UI token scoped to the owner
func (s *Service) BillingToken(ctx context.Context, ownerID string) (string, error) {
	token, err := s.billing.IssueTemporaryAccessToken(ctx, "company", ownerID)
	if err != nil {
		return "", fmt.Errorf("issuing billing token: %w", err)
	}
	return token, nil
}
