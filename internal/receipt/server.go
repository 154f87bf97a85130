package receipt

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Authenticator resolves a bearer token to a subject id
type Authenticator interface {
	Subject(token string) (string, error)
}

// SignedFiles serves files behind signed URLs
type SignedFiles interface {
	Verify(handle, token string) error
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Server handles HTTP requests for receipts
type Server struct {
	service *Service
	auth    Authenticator
	files   SignedFiles
	mux     *http.ServeMux
	srv     *http.Server
}

// NewServer creates a new Server with default mux. files may be nil when
// storage hands out its own URLs.
func NewServer(service *Service, auth Authenticator, files SignedFiles) *Server {
	return NewServerWithMux(service, auth, files, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, auth Authenticator, files SignedFiles, mux *http.ServeMux) *Server {
	s := &Server{
		service: service,
		auth:    auth,
		files:   files,
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the bearer token into a subject on the request context
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Receipt Scanner"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		subject, err := s.auth.Subject(token)
		if err != nil {
			slog.Debug("Rejected bearer token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="Receipt Scanner", error="invalid_token"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(WithSubject(r.Context(), subject)))
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleUploadReceipt))

	s.mux.HandleFunc("GET /api/billing/token", s.requireAuth(s.handleBillingToken))
	s.mux.HandleFunc("GET /api/export/receipts.xlsx", s.requireAuth(s.handleExportReceipts))

	// Signed URLs carry their own authorization
	if s.files != nil {
		s.mux.HandleFunc("GET /files/{handle}", s.handleSignedFile)
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a started server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
