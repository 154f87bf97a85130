package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAI implements the Provider interface using the OpenAI files and chat completions APIs
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI creates a new OpenAI Provider instance
func NewOpenAI(apiKey, baseURL, modelName string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if modelName == "" {
		modelName = "gpt-4o"
	}

	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// UploadDocument uploads the document to the files endpoint
func (o *OpenAI) UploadDocument(ctx context.Context, doc Document) (FileHandle, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "user_data"); err != nil {
		return FileHandle{}, fmt.Errorf("writing purpose field: %w", err)
	}
	filename := doc.Filename
	if filename == "" {
		filename = "receipt.pdf"
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return FileHandle{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return FileHandle{}, fmt.Errorf("writing form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return FileHandle{}, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/files", &body)
	if err != nil {
		return FileHandle{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	raw, status, err := o.do(req)
	if err != nil {
		return FileHandle{}, &UploadError{Err: err}
	}
	if status < 200 || status >= 300 {
		return FileHandle{}, &UploadError{StatusCode: status, Message: string(raw)}
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &file); err != nil || file.ID == "" {
		return FileHandle{}, &UploadError{StatusCode: status, Message: "missing file id in response"}
	}

	return FileHandle{ID: file.ID, MIMEType: doc.ContentType}, nil
}

// Infer references the uploaded file in a chat completion and returns the reply text
func (o *OpenAI) Infer(ctx context.Context, handle FileHandle) (string, error) {
	body := map[string]any{
		"model":           o.model,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "file", "file": map[string]any{"file_id": handle.ID}},
					{"type": "text", "text": receiptScanPrompt},
				},
			},
		},
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	raw, status, err := o.do(req)
	if err != nil {
		return "", &InferenceError{Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &InferenceError{StatusCode: status, Message: string(raw)}
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", &InferenceError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(cc.Choices) == 0 {
		return "", &InferenceError{StatusCode: status, Message: "no choices in response"}
	}

	return cc.Choices[0].Message.Content, nil
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}

func (o *OpenAI) do(req *http.Request) ([]byte, int, error) {
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
