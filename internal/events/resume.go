package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/receipt-scanner/internal/receipt"
)

// PendingReceipts lists receipts by status
type PendingReceipts interface {
	QueryReceipts(filter receipt.Filter) ([]*receipt.Receipt, error)
}

// DocumentURLs resolves a stored document to a fetchable URL
type DocumentURLs interface {
	URL(ctx context.Context, handle string) (string, error)
}

// Publisher queues an extraction event
type Publisher interface {
	Publish(ctx context.Context, ev ExtractRequested) error
}

// ResumePending republishes every receipt still processing, keyed by receipt
// id so the run continues from its journaled steps. It returns how many jobs
// were queued.
func ResumePending(ctx context.Context, receipts PendingReceipts, urls DocumentURLs, pub Publisher, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pending, err := receipts.QueryReceipts(receipt.Filter{Status: receipt.StatusProcessing})
	if err != nil {
		return 0, fmt.Errorf("listing processing receipts: %w", err)
	}

	queued := 0
	for _, r := range pending {
		documentURL, err := urls.URL(ctx, r.StorageHandle)
		if err != nil {
			logger.Warn("Failed to resolve document for interrupted receipt", "receipt_id", r.ID, "error", err)
			continue
		}

		ev := ExtractRequested{ID: r.ID, URL: documentURL, ReceiptID: r.ID}
		if err := pub.Publish(ctx, ev); err != nil {
			return queued, fmt.Errorf("republishing receipt %s: %w", r.ID, err)
		}
		queued++
	}

	if queued > 0 {
		logger.Info("Resumed interrupted extractions", "count", queued)
	}
	return queued, nil
}
