package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

// ErrTimeout is returned when a run exceeds its wall-clock budget
var ErrTimeout = errors.New("extraction timed out")

// PersistenceError is returned when the extracted fields cannot be written
type PersistenceError struct {
	ReceiptID string
	NotFound  bool
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("persisting receipt %s: record not found", e.ReceiptID)
	}
	return fmt.Sprintf("persisting receipt %s: %v", e.ReceiptID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// StageError records which stage a run failed in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt of the same stage
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, scanning.ErrMalformedOutput) {
		return false
	}

	var persistErr *PersistenceError
	if errors.As(err, &persistErr) {
		return !persistErr.NotFound && !errors.Is(err, receipt.ErrInvalidTransition)
	}

	var fetchErr *scanning.FetchError
	if errors.As(err, &fetchErr) {
		return transientStatus(fetchErr.StatusCode)
	}
	var uploadErr *scanning.UploadError
	if errors.As(err, &uploadErr) {
		return transientStatus(uploadErr.StatusCode)
	}
	var inferErr *scanning.InferenceError
	if errors.As(err, &inferErr) {
		return transientStatus(inferErr.StatusCode)
	}

	return true
}

// transientStatus treats transport failures (no status), throttling and server errors as transient
func transientStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// failureReason is the short reason stored on a failed receipt
func failureReason(err error) string {
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	if errors.Is(err, scanning.ErrMalformedOutput) {
		return "malformed_output"
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		switch stageErr.Stage {
		case StageInfer:
			return "inference"
		case StagePersist:
			return "persistence"
		default:
			return string(stageErr.Stage)
		}
	}
	return "unknown"
}
