package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-scanner/internal/events"
	"github.com/zombor/receipt-scanner/internal/extraction"
	"github.com/zombor/receipt-scanner/internal/metering"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// bus is the event transport shared by the upload service and the workers
type bus interface {
	receipt.Dispatcher
	Shutdown(ctx context.Context)
}

// pubsubBus adapts PubSubBus to the bus lifecycle
type pubsubBus struct {
	*events.PubSubBus
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *pubsubBus) Shutdown(ctx context.Context) {
	b.cancel()
	select {
	case <-b.done:
	case <-ctx.Done():
	}
	if err := b.Close(); err != nil {
		slog.Warn("Failed to close pubsub client", "error", err)
	}
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; flags and the environment still apply
	_ = godotenv.Load()

	fs := ff.NewFlagSet("receipt-scanner")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		publicURL     = fs.StringLong("public-url", "http://localhost:8080", "Base URL the server is reachable at, used for signed file URLs")
		dbPath        = fs.StringLong("db", "receipt-scanner.db", "Database file path")
		storageType   = fs.StringLong("storage", "local", "Storage backend: 'local' or 'gcs'")
		storagePath   = fs.StringLong("storage-dir", "./receipts", "Local storage directory path")
		gcsBucket     = fs.StringLong("gcs-bucket", "", "Google Cloud Storage bucket name")
		urlTTL        = fs.DurationLong("url-ttl", time.Hour, "Lifetime of signed document URLs")
		authSecret    = fs.StringLong("auth-secret", "", "HS256 secret for API bearer tokens and signed file URLs")
		provider      = fs.StringLong("provider", "openai", "Inference provider: 'openai', 'gemini' or 'ollama'")
		openaiKey     = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiURL     = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
		openaiModel   = fs.StringLong("openai-model", "gpt-4o", "OpenAI model name")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-1.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		meterKey      = fs.StringLong("metering-key", "", "Entitlement service API key (metering disabled when empty)")
		meterURL      = fs.StringLong("metering-url", "https://api.schematichq.com", "Entitlement service base URL")
		busType       = fs.StringLong("bus", "memory", "Event bus: 'memory' or 'pubsub'")
		pubsubProject = fs.StringLong("pubsub-project", "", "Google Cloud project for Pub/Sub")
		pubsubTopic   = fs.StringLong("pubsub-topic", "receipt-extract", "Pub/Sub topic for extraction events")
		pubsubSub     = fs.StringLong("pubsub-subscription", "receipt-extract-workers", "Pub/Sub subscription for extraction workers")
		workers       = fs.IntLong("workers", 4, "Concurrent extraction jobs")
		jobTimeout    = fs.DurationLong("job-timeout", 3*time.Minute, "Wall-clock budget of one extraction job")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_SCANNER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *authSecret == "" {
		slog.Error("An auth secret is required. Set --auth-secret or RECEIPT_SCANNER_AUTH_SECRET")
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize database and the step journal sharing its file
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	journal, err := extraction.NewBoltJournal(db.Handle())
	if err != nil {
		slog.Error("Failed to initialize step journal", "error", err)
		os.Exit(1)
	}

	tokens := receipt.NewTokens(*authSecret, "receipt-scanner")

	// Initialize storage
	slog.Info("Initializing storage...", "type", *storageType)
	var (
		store receipt.Storage
		files receipt.SignedFiles
	)
	switch *storageType {
	case "local":
		local, err := receipt.NewLocalStorage(*storagePath, *publicURL, tokens, *urlTTL)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
		store, files = local, local
	case "gcs":
		gcs, err := receipt.NewGCSStorage(ctx, *gcsBucket, *urlTTL)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
		defer gcs.Close()
		store = gcs
	default:
		slog.Error("Invalid storage type", "type", *storageType, "valid", "local or gcs")
		os.Exit(1)
	}

	// Initialize inference provider
	var p scanning.Provider
	switch *provider {
	case "openai":
		apiKey := firstNonEmpty(*openaiKey, os.Getenv("OPENAI_API_KEY"))
		if apiKey == "" {
			slog.Error("OpenAI API key is required. Set --openai-key flag or OPENAI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing OpenAI provider...", "model", *openaiModel)
		p, err = scanning.NewOpenAI(apiKey, *openaiURL, *openaiModel)
	case "gemini":
		apiKey := firstNonEmpty(*geminiKey, os.Getenv("GEMINI_API_KEY"))
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini provider...", "model", *geminiModel)
		p, err = scanning.NewGemini(ctx, apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama provider...", "url", *ollamaURL, "model", *ollamaModel)
		p, err = scanning.NewOllama(*ollamaURL, *ollamaModel, filepath.Join(os.TempDir(), "receipt-scanner"))
	default:
		slog.Error("Invalid provider", "provider", *provider, "valid", "openai, gemini or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize provider", "provider", *provider, "error", err)
		os.Exit(1)
	}
	scanner := scanning.NewClient(p, nil)
	defer scanner.Close()

	meter := metering.NewClient(*meterKey, *meterURL, nil)
	if !meter.Enabled() {
		slog.Warn("Metering disabled, no usage will be tracked")
	}

	pipeline := extraction.NewPipeline(scanner, db, meter,
		extraction.WithJournal(journal),
		extraction.WithTimeout(*jobTimeout),
	)
	trigger := events.NewTrigger(pipeline)

	// Initialize event bus
	var eventBus bus
	switch *busType {
	case "memory":
		mem := events.NewMemoryBus(trigger, nil, events.WithWorkers(*workers))
		// Receipts left processing by an earlier stop have no other redelivery
		if _, err := events.ResumePending(ctx, db, store, mem, nil); err != nil {
			slog.Error("Failed to resume interrupted extractions", "error", err)
		}
		eventBus = mem
	case "pubsub":
		ps, err := events.NewPubSubBus(ctx, events.PubSubConfig{
			ProjectID:    firstNonEmpty(*pubsubProject, os.Getenv("GOOGLE_CLOUD_PROJECT")),
			Topic:        *pubsubTopic,
			Subscription: *pubsubSub,
			Workers:      *workers,
		}, trigger, nil)
		if err != nil {
			slog.Error("Failed to initialize pubsub", "error", err)
			os.Exit(1)
		}
		recvCtx, cancel := context.WithCancel(ctx)
		b := &pubsubBus{PubSubBus: ps, cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(b.done)
			if err := ps.Start(recvCtx); err != nil {
				slog.Error("Pubsub receive stopped", "error", err)
			}
		}()
		eventBus = b
	default:
		slog.Error("Invalid bus type", "type", *busType, "valid", "memory or pubsub")
		os.Exit(1)
	}

	// Initialize service and server
	receiptService := receipt.NewService(db, store, eventBus, meter)
	server := receipt.NewServer(receiptService, tokens, files)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("Server shutdown failed", "error", err)
	}
	// Jobs cut off by the deadline stay processing. The memory bus resumes them on
	// next start and Pub/Sub redelivers their unacked messages.
	eventBus.Shutdown(shutdownCtx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
