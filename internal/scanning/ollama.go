package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// stageTTL bounds how long a staged image outlives the job that created it
const stageTTL = 24 * time.Hour

// Ollama implements the Provider interface using a local Ollama server.
// Ollama has no file API, so uploads render the document to PNG and stage
// it on disk; the staged path is the handle. Images left behind by failed
// jobs are swept once they are older than stageTTL.
//
// Recommended vision models:
//   - llava:1.6
//   - qwen2-vl:7b
//   - llava-phi3 (smaller, less accurate)
type Ollama struct {
	baseURL  string
	model    string
	stageDir string
	stageTTL time.Duration
	now      func() time.Time
	client   *http.Client
}

// NewOllama creates a new Ollama Provider instance
func NewOllama(baseURL, modelName, stageDir string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}
	if stageDir == "" {
		stageDir = filepath.Join(os.TempDir(), "receipt-scanner-ollama")
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating stage directory: %w", err)
	}

	return &Ollama{
		baseURL:  baseURL,
		model:    modelName,
		stageDir: stageDir,
		stageTTL: stageTTL,
		now:      time.Now,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// UploadDocument renders the document to PNG and stages it for Infer
func (o *Ollama) UploadDocument(ctx context.Context, doc Document) (FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return FileHandle{}, &UploadError{Err: err}
	}

	o.sweepStage()

	pngData, err := renderPNG(doc)
	if err != nil {
		// Rendering failures are deterministic
		return FileHandle{}, &UploadError{StatusCode: http.StatusUnprocessableEntity, Message: err.Error()}
	}

	path := filepath.Join(o.stageDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, pngData, 0o600); err != nil {
		return FileHandle{}, &UploadError{Err: fmt.Errorf("staging image: %w", err)}
	}

	return FileHandle{ID: path, MIMEType: "image/png"}, nil
}

// Infer sends the staged image with the extraction prompt to the chat API
func (o *Ollama) Infer(ctx context.Context, handle FileHandle) (string, error) {
	imageData, err := os.ReadFile(handle.ID)
	if err != nil {
		return "", &InferenceError{Err: fmt.Errorf("reading staged image: %w", err)}
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading and extracting information from receipts and invoices. You must carefully read all text in images and extract accurate information.",
			},
			{
				Role:    "user",
				Content: receiptScanPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", &InferenceError{Err: fmt.Errorf("calling ollama API: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &InferenceError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", &InferenceError{Err: fmt.Errorf("decoding response: %w", err)}
	}

	// The staged image is only needed for one successful call
	_ = os.Remove(handle.ID)

	return chatResp.Message.Content, nil
}

// sweepStage removes staged images older than stageTTL
func (o *Ollama) sweepStage() {
	entries, err := os.ReadDir(o.stageDir)
	if err != nil {
		slog.Warn("Failed to read stage directory", "dir", o.stageDir, "error", err)
		return
	}

	cutoff := o.now().Add(-o.stageTTL)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(o.stageDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove stale staged image", "path", path, "error", err)
		}
	}
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
