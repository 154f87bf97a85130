// Package extraction runs uploaded receipts through fetch, inference,
// normalization, persistence and usage metering as a durable job.
package extraction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-scanner/internal/metering"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

// Stage names one step of a run
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageUpload    Stage = "upload"
	StageInfer     Stage = "infer"
	StageNormalize Stage = "normalize"
	StagePersist   Stage = "persist"
	StageMeter     Stage = "meter"
)

const (
	StatusSaved  = "saved"
	StatusFailed = "failed"
)

// Input is one extraction request
type Input struct {
	// JobID keys the step journal; redeliveries of the same event share it
	JobID       string
	DocumentURL string
	ReceiptID   string
	// DisplayName is an optional human-readable name hint
	DisplayName string
}

// Result is the outcome of a run
type Result struct {
	ReceiptID string `json:"receiptId"`
	Status    string `json:"status"`
}

// Scanner performs the document fetch and the two inference calls
type Scanner interface {
	Fetch(ctx context.Context, documentURL string) (scanning.Document, error)
	UploadDocument(ctx context.Context, doc scanning.Document) (scanning.FileHandle, error)
	Infer(ctx context.Context, handle scanning.FileHandle) (string, error)
}

// Store is the persistence collaborator of the pipeline
type Store interface {
	GetReceipt(id string) (*receipt.Receipt, error)
	CompleteExtraction(id string, extraction receipt.Extraction) error
	FailExtraction(id string, reason string) error
}

// Meter records billable usage
type Meter interface {
	Track(ctx context.Context, event, companyID, userID string) error
}

// Pipeline runs extraction jobs. It holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	scanner  Scanner
	store    Store
	meter    Meter
	journal  Journal
	policies map[Stage]RetryPolicy
	timeout  time.Duration
	sleep    Sleeper
	logger   *slog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithJournal enables durable steps
func WithJournal(j Journal) Option {
	return func(p *Pipeline) {
		if j != nil {
			p.journal = j
		}
	}
}

// WithTimeout sets the wall-clock budget of one run
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRetryPolicy overrides the retry policy of a stage
func WithRetryPolicy(stage Stage, policy RetryPolicy) Option {
	return func(p *Pipeline) {
		p.policies[stage] = policy
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests
func WithSleeper(s Sleeper) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sleep = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline creates a Pipeline
func NewPipeline(scanner Scanner, store Store, meter Meter, opts ...Option) *Pipeline {
	p := &Pipeline{
		scanner:  scanner,
		store:    store,
		meter:    meter,
		journal:  nopJournal{},
		policies: DefaultPolicies(),
		timeout:  3 * time.Minute,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes one job. A run that ends in a terminal state returns a Result;
// a run interrupted by cancellation of ctx writes nothing and keeps its journal
// so a redelivery resumes it.
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	jobKey := in.JobID
	if jobKey == "" {
		jobKey = in.ReceiptID
	}
	logger := p.logger.With("job_id", jobKey, "receipt_id", in.ReceiptID)

	// Redelivery of a job that already completed must not extract or meter again
	if r, err := p.store.GetReceipt(in.ReceiptID); err == nil && r.Status == receipt.StatusCompleted && r.ExtractionJobID == jobKey {
		logger.Info("Receipt already extracted by this job, skipping")
		p.clearJournal(jobKey, logger)
		return Result{ReceiptID: in.ReceiptID, Status: StatusSaved}, nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	logger.Info("Extraction started", "document_url", redactQuery(in.DocumentURL))

	err := p.execute(jobCtx, jobKey, in, logger)
	if err == nil {
		p.clearJournal(jobKey, logger)
		logger.Info("Extraction completed", "elapsed_ms", time.Since(start).Milliseconds())
		return Result{ReceiptID: in.ReceiptID, Status: StatusSaved}, nil
	}

	if ctx.Err() != nil {
		logger.Warn("Extraction interrupted", "error", err)
		return Result{}, err
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = &StageError{Stage: stageOf(err), Err: errors.Join(ErrTimeout, err)}
	}

	reason := failureReason(err)
	logger.Error("Extraction failed", "reason", reason, "error", err, "elapsed_ms", time.Since(start).Milliseconds())

	// A missing record has nothing to mark failed
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) || !persistErr.NotFound {
		if failErr := p.store.FailExtraction(in.ReceiptID, reason); failErr != nil {
			logger.Error("Failed to record extraction failure", "error", failErr)
		}
	}

	p.clearJournal(jobKey, logger)
	return Result{ReceiptID: in.ReceiptID, Status: StatusFailed}, err
}

func (p *Pipeline) execute(ctx context.Context, jobKey string, in Input, logger *slog.Logger) error {
	doc, err := runStep(ctx, p, jobKey, StageFetch, logger, func(ctx context.Context) (scanning.Document, error) {
		return p.scanner.Fetch(ctx, in.DocumentURL)
	})
	if err != nil {
		return err
	}

	handle, err := runStep(ctx, p, jobKey, StageUpload, logger, func(ctx context.Context) (scanning.FileHandle, error) {
		return p.scanner.UploadDocument(ctx, doc)
	})
	if err != nil {
		return err
	}

	raw, err := runStep(ctx, p, jobKey, StageInfer, logger, func(ctx context.Context) (string, error) {
		return p.scanner.Infer(ctx, handle)
	})
	if err != nil {
		return err
	}

	// Normalization is pure and never journaled or retried
	normalized, err := scanning.Normalize(raw)
	if err != nil {
		logger.Warn("Model output could not be normalized", "chars", len(raw))
		return &StageError{Stage: StageNormalize, Err: err}
	}
	logger.Debug("Stage finished", "stage", StageNormalize, "items", len(normalized.Items))

	extraction := toExtraction(normalized, jobKey, in.DisplayName)
	if _, err := runStep(ctx, p, jobKey, StagePersist, logger, func(ctx context.Context) (bool, error) {
		return true, p.persist(in.ReceiptID, extraction)
	}); err != nil {
		return err
	}

	// Metering runs strictly after persistence and never fails the job
	if _, err := runStep(ctx, p, jobKey, StageMeter, logger, func(ctx context.Context) (bool, error) {
		return true, p.track(ctx, in.ReceiptID)
	}); err != nil {
		logger.Warn("Usage metering failed", "error", err)
	}

	return nil
}

// runStep returns the journaled result of stage or runs fn under the stage's retry policy
func runStep[T any](ctx context.Context, p *Pipeline, jobKey string, stage Stage, logger *slog.Logger, fn func(context.Context) (T, error)) (T, error) {
	var out T

	found, err := p.journal.Load(jobKey, stage, &out)
	if err != nil {
		logger.Warn("Could not read step journal", "stage", stage, "error", err)
	} else if found {
		logger.Info("Skipping completed stage", "stage", stage)
		return out, nil
	}

	logger.Debug("Stage started", "stage", stage)
	onRetry := func(attempt int, err error) {
		logger.Warn("Retrying stage", "stage", stage, "attempt", attempt, "error", err)
	}
	err = p.policies[stage].do(ctx, p.sleep, onRetry, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, &StageError{Stage: stage, Err: err}
	}

	if err := p.journal.Save(jobKey, stage, out); err != nil {
		logger.Warn("Could not record step", "stage", stage, "error", err)
	}
	logger.Debug("Stage finished", "stage", stage)
	return out, nil
}

func (p *Pipeline) persist(receiptID string, extraction receipt.Extraction) error {
	err := p.store.CompleteExtraction(receiptID, extraction)
	if err == nil {
		return nil
	}
	return &PersistenceError{
		ReceiptID: receiptID,
		NotFound:  errors.Is(err, receipt.ErrNotFound),
		Err:       err,
	}
}

func (p *Pipeline) track(ctx context.Context, receiptID string) error {
	r, err := p.store.GetReceipt(receiptID)
	if err != nil {
		return err
	}
	return p.meter.Track(ctx, metering.EventScan, r.OwnerID, r.OwnerID)
}

func (p *Pipeline) clearJournal(jobKey string, logger *slog.Logger) {
	if err := p.journal.Clear(jobKey); err != nil {
		logger.Warn("Could not clear step journal", "error", err)
	}
}

func toExtraction(n *scanning.NormalizedReceipt, jobKey, displayName string) receipt.Extraction {
	items := make([]receipt.LineItem, 0, len(n.Items))
	for _, item := range n.Items {
		items = append(items, receipt.LineItem{
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.TotalPrice,
		})
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = synthesizeDisplayName(n)
	}

	return receipt.Extraction{
		JobID:             jobKey,
		DisplayName:       displayName,
		MerchantName:      n.Merchant.Name,
		MerchantAddress:   n.Merchant.Address,
		MerchantContact:   n.Merchant.Contact,
		TransactionDate:   n.Transaction.Date,
		TransactionAmount: n.Totals.Total,
		Currency:          n.Totals.Currency,
		ReceiptSummary:    n.Summary,
		Items:             items,
	}
}

func synthesizeDisplayName(n *scanning.NormalizedReceipt) string {
	var parts []string
	if n.Merchant.Name != "" {
		parts = append(parts, n.Merchant.Name)
	}
	if n.Transaction.Date != "" {
		parts = append(parts, n.Transaction.Date)
	}
	if len(parts) == 0 {
		return "Receipt"
	}
	return strings.Join(parts, " - ")
}

func stageOf(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}

// redactQuery drops query strings so signed URL tokens stay out of logs
func redactQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
