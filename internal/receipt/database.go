package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "receipts"

// DB defines the interface for database operations
type DB interface {
	// InsertReceipt stores a new receipt
	InsertReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// UpdateReceipt applies fn to the stored receipt inside one transaction
	UpdateReceipt(id string, fn func(*Receipt) error) (*Receipt, error)

	// QueryReceipts returns receipts matching the filter, newest upload first
	QueryReceipts(filter Filter) ([]*Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, now: time.Now}, nil
}

// Handle exposes the underlying bolt handle so other stores can share the file
func (b *BoltDB) Handle() *bbolt.DB {
	return b.db
}

// InsertReceipt stores a new receipt, failing if the ID is taken
func (b *BoltDB) InsertReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get([]byte(receipt.ID)) != nil {
			return fmt.Errorf("receipt %s already exists", receipt.ID)
		}
		return putReceipt(bucket, receipt)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx.Bucket([]byte(bucketName)), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// UpdateReceipt loads the receipt, applies fn and writes it back atomically.
// An error from fn aborts the write.
func (b *BoltDB) UpdateReceipt(id string, fn func(*Receipt) error) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		var err error
		receipt, err = getReceipt(bucket, id)
		if err != nil {
			return err
		}
		if err := fn(receipt); err != nil {
			return err
		}
		receipt.UpdatedAt = b.now()
		return putReceipt(bucket, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// QueryReceipts returns receipts matching the filter, newest upload first
func (b *BoltDB) QueryReceipts(filter Filter) ([]*Receipt, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if filter.OwnerID != "" && receipt.OwnerID != filter.OwnerID {
				return nil
			}
			if filter.Status != "" && receipt.Status != filter.Status {
				return nil
			}
			if search != "" && !matchesSearch(&receipt, search) {
				return nil
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].UploadedAt.After(receipts[j].UploadedAt)
	})
	return receipts, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return bucket.Delete([]byte(id))
	})
}

// CompleteExtraction overwrites the extracted fields and marks the receipt completed.
// Completing an already completed receipt replaces its fields; a failed receipt is terminal.
func (b *BoltDB) CompleteExtraction(id string, extraction Extraction) error {
	_, err := b.UpdateReceipt(id, func(r *Receipt) error {
		if r.Status == StatusFailed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusCompleted)
		}

		items := make([]LineItem, len(extraction.Items))
		copy(items, extraction.Items)

		r.Status = StatusCompleted
		r.FailureReason = ""
		r.ExtractionJobID = extraction.JobID
		r.DisplayName = extraction.DisplayName
		r.MerchantName = extraction.MerchantName
		r.MerchantAddress = extraction.MerchantAddress
		r.MerchantContact = extraction.MerchantContact
		r.TransactionDate = extraction.TransactionDate
		r.TransactionAmount = extraction.TransactionAmount
		r.Currency = extraction.Currency
		r.ReceiptSummary = extraction.ReceiptSummary
		r.Items = items
		return nil
	})
	return err
}

// FailExtraction marks a processing receipt failed with a reason. Receipts that
// already reached a terminal status keep it.
func (b *BoltDB) FailExtraction(id string, reason string) error {
	_, err := b.UpdateReceipt(id, func(r *Receipt) error {
		if r.Status != StatusProcessing {
			return errSkipWrite
		}
		r.Status = StatusFailed
		r.FailureReason = reason
		return nil
	})
	if errors.Is(err, errSkipWrite) {
		return nil
	}
	return err
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// errSkipWrite aborts an UpdateReceipt transaction without reporting a failure
var errSkipWrite = errors.New("skip write")

func getReceipt(bucket *bbolt.Bucket, id string) (*Receipt, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

func putReceipt(bucket *bbolt.Bucket, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return bucket.Put([]byte(receipt.ID), data)
}

func matchesSearch(r *Receipt, search string) bool {
	for _, field := range []string{r.MerchantName, r.DisplayName, r.FileName, r.ReceiptSummary} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}
