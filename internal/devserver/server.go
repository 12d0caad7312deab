// Package devserver is an in-memory implementation of the server API the
// agent talks to. It backs `meshagent devserver` for local development
// and serves as the fake server in tests.
package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blockmesh/meshagent/internal/remote"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Options configures a Server
type Options struct {
	// TokenSecret signs API tokens; at least 32 bytes
	TokenSecret string
	// TokenExpiry is the lifetime of issued tokens
	TokenExpiry time.Duration
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	store  *Store
	tokens *tokenIssuer
	logger *slog.Logger
}

// New creates and configures the server
func New(opts Options, logger *slog.Logger) (*Server, error) {
	if len(opts.TokenSecret) < 32 {
		return nil, errors.New("token secret must be at least 32 characters")
	}
	if opts.TokenExpiry <= 0 {
		opts.TokenExpiry = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:  NewStore(),
		tokens: &tokenIssuer{secret: []byte(opts.TokenSecret), expiry: opts.TokenExpiry},
		logger: logger.With("component", "devserver"),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Post(remote.PathRegister, s.register)
	r.Route("/api", func(r chi.Router) {
		r.Post("/get_token", s.getToken)

		// Authenticated endpoints carry email and api_token in the body
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/check_token", s.checkToken)
			r.Post("/report_uptime", s.reportUptime)
			r.Post("/get_task", s.getTask)
			r.Post("/submit_task", s.submitTask)
		})
	})

	s.router = r
	return s, nil
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Store returns the server's data store
func (s *Server) Store() *Store {
	return s.store
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devserver listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("devserver failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("devserver shutdown: %w", err)
	}
	return nil
}

// requireToken validates the credentials in the request body and restores
// the body for the handler
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			sendError(w, r, http.StatusBadRequest, "failed to read body")
			return
		}

		var creds remote.Credentials
		if err := json.Unmarshal(body, &creds); err != nil {
			sendError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}

		claims, err := s.tokens.validate(creds.APIToken)
		if err != nil || claims.Email != normalizeEmail(creds.Email) || !s.store.HasAccount(claims.Email) {
			sendError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := context.WithValue(r.Context(), emailKey, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
