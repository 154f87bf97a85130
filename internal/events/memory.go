package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus delivers events to a fixed pool of in-process workers
type MemoryBus struct {
	handler Handler
	logger  *slog.Logger
	workers int

	ch     chan ExtractRequested
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	// stopping is closed when Shutdown begins and releases blocked publishers
	stopping chan struct{}
	stopOnce sync.Once

	// mu guards closing ch; publishers hold it shared while sending
	mu     sync.RWMutex
	closed bool
}

// Option configures a MemoryBus
type Option func(*MemoryBus)

// WithWorkers sets the number of concurrent jobs
func WithWorkers(n int) Option {
	return func(b *MemoryBus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithQueueSize sets how many events may wait for a worker
func WithQueueSize(n int) Option {
	return func(b *MemoryBus) {
		if n > 0 {
			b.ch = make(chan ExtractRequested, n)
		}
	}
}

// NewMemoryBus creates a MemoryBus and starts its workers
func NewMemoryBus(handler Handler, logger *slog.Logger, opts ...Option) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		handler:  handler,
		logger:   logger,
		workers:  4,
		ch:       make(chan ExtractRequested, 256),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.start()
	return b
}

func (b *MemoryBus) start() {
	b.once.Do(func() {
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go func(workerID int) {
				defer b.wg.Done()
				b.logger.Debug("Worker started", "worker_id", workerID)

				for ev := range b.ch {
					result, err := b.handler.Handle(b.ctx, ev)
					if err != nil {
						b.logger.Error("Extraction job failed", "worker_id", workerID, "job_id", ev.ID, "receipt_id", ev.ReceiptID, "error", err)
						continue
					}
					b.logger.Info("Extraction job finished", "worker_id", workerID, "job_id", ev.ID, "receipt_id", result.ReceiptID, "status", result.Status)
				}

				b.logger.Debug("Worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Dispatch publishes the upload-completed event for a receipt. In-memory jobs
// are keyed by receipt id so ResumePending can pick up their journaled steps.
func (b *MemoryBus) Dispatch(ctx context.Context, receiptID, documentURL string) error {
	return b.Publish(ctx, ExtractRequested{ID: receiptID, URL: documentURL, ReceiptID: receiptID})
}

// Publish queues ev, blocking while the queue is full
func (b *MemoryBus) Publish(ctx context.Context, ev ExtractRequested) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	select {
	case <-b.stopping:
		return ErrBusClosed
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.ch <- ev:
		b.logger.Debug("Queued extraction job", "job_id", ev.ID, "receipt_id", ev.ReceiptID)
		return nil
	default:
	}

	b.logger.Warn("Queue full, applying backpressure", "receipt_id", ev.ReceiptID)
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopping:
		return ErrBusClosed
	}
}

// Shutdown stops accepting events and waits for queued jobs to drain.
// If ctx ends first, running and queued jobs are cancelled; their receipts stay
// processing and ResumePending restarts them on the next start.
func (b *MemoryBus) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stopping) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); b.wg.Wait() }()

	select {
	case <-ctx.Done():
		b.cancel()
		<-done
		b.logger.Warn("Shutdown interrupted, running jobs cancelled")
	case <-done:
		b.cancel()
		b.logger.Info("Queue drained, shutdown complete")
	}
}
