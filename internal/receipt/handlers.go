package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

// maxUploadSize bounds a single multipart upload
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeServiceError maps service errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		corsError(w, "Receipt not found", http.StatusNotFound)
	case errors.Is(err, ErrAccessDenied):
		corsError(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, ErrUnsupportedType):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("Request failed", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func subject(r *http.Request) string {
	sub, _ := SubjectFrom(r.Context())
	return sub
}

// handleListReceipts returns the caller's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	switch status {
	case "", StatusProcessing, StatusCompleted, StatusFailed:
	default:
		jsonError(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	receipts, err := s.service.ListReceipts(subject(r), status, r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

// handleUploadReceipt handles receipt upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		jsonError(w, "No file was selected. Please choose a PDF to upload.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" && strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		contentType = "application/pdf"
	}

	receipt, err := s.service.UploadReceipt(r.Context(), subject(r), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error uploading receipt", "filename", header.Filename, "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(subject(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile redirects to a fetchable URL for the receipt's document
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	u, err := s.service.FileURL(r.Context(), subject(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), subject(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBillingToken returns a temporary token for the embedded billing UI
func (s *Server) handleBillingToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.service.BillingToken(r.Context(), subject(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleExportReceipts streams the caller's receipts as an XLSX workbook
func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.ExportReceipts(subject(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	w.Write(data)
}

// handleSignedFile serves a stored document to holders of a signed URL
func (s *Server) handleSignedFile(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if err := s.files.Verify(handle, r.URL.Query().Get("token")); err != nil {
		corsError(w, "Forbidden", http.StatusForbidden)
		return
	}

	data, err := s.files.Get(r.Context(), handle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "File not found", http.StatusNotFound)
			return
		}
		slog.Error("Error reading signed file", "handle", handle, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Write(data)
}
