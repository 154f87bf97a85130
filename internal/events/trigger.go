package events

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-scanner/internal/extraction"
)

// Runner executes one extraction job
type Runner interface {
	Run(ctx context.Context, in extraction.Input) (extraction.Result, error)
}

// Trigger turns an ExtractRequested event into exactly one pipeline run
type Trigger struct {
	runner   Runner
	validate *validator.Validate
}

// NewTrigger creates a Trigger
func NewTrigger(runner Runner) *Trigger {
	return &Trigger{
		runner:   runner,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handle validates the payload and starts the run
func (t *Trigger) Handle(ctx context.Context, ev ExtractRequested) (extraction.Result, error) {
	if err := t.validate.Struct(ev); err != nil {
		return extraction.Result{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	return t.runner.Run(ctx, extraction.Input{
		JobID:       ev.ID,
		DocumentURL: ev.URL,
		ReceiptID:   ev.ReceiptID,
		DisplayName: ev.FileDisplayName,
	})
}
