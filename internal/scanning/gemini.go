package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini implements the Provider interface using the Gemini file API
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Provider instance
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// UploadDocument uploads the document bytes through the file API
func (g *Gemini) UploadDocument(ctx context.Context, doc Document) (FileHandle, error) {
	mimeType := doc.ContentType
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	file, err := g.client.UploadFile(ctx, "", bytes.NewReader(doc.Data), &genai.UploadFileOptions{
		DisplayName: doc.Filename,
		MIMEType:    mimeType,
	})
	if err != nil {
		return FileHandle{}, &UploadError{StatusCode: apiStatus(err), Err: err}
	}

	// Large uploads stay in PROCESSING for a short while before they can be referenced
	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return FileHandle{}, &UploadError{Err: ctx.Err()}
		case <-time.After(time.Second):
		}
		file, err = g.client.GetFile(ctx, file.Name)
		if err != nil {
			return FileHandle{}, &UploadError{StatusCode: apiStatus(err), Err: err}
		}
	}
	if file.State == genai.FileStateFailed {
		return FileHandle{}, &UploadError{Message: "file processing failed"}
	}

	return FileHandle{ID: file.URI, MIMEType: file.MIMEType}, nil
}

// Infer asks the model to extract the receipt referenced by the handle
func (g *Gemini) Infer(ctx context.Context, handle FileHandle) (string, error) {
	parts := []genai.Part{
		genai.FileData{MIMEType: handle.MIMEType, URI: handle.ID},
		genai.Text(receiptScanPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", &InferenceError{StatusCode: apiStatus(err), Err: fmt.Errorf("generating content: %w", err)}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &InferenceError{Message: "no response from gemini"}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return responseText.String(), nil
}

// apiStatus returns the HTTP status carried by a Google API error, or 0
func apiStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
