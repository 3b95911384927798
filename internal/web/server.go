// Package web exposes the diagnostic sessions over HTTP. Turn progress is
// streamed to the client as server-sent events.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/awilder/housecall/internal/domain"
	"github.com/awilder/housecall/internal/photostore"
	"github.com/awilder/housecall/internal/session"
)

// conversationReader is the subset of store.ConversationStore the handlers
// require.
type conversationReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Conversation, error)
}

// messageRepository is the subset of store.MessageStore the handlers require.
type messageRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	ListByConversationID(ctx context.Context, conversationID int64) ([]*domain.Message, error)
	SetFeedback(ctx context.Context, id int64, fb *domain.Feedback) error
}

// providerReader is the subset of store.ProviderStore the handlers require.
type providerReader interface {
	ListByConversationID(ctx context.Context, conversationID int64) ([]*domain.Provider, error)
}

type Server struct {
	sessions      *session.Manager
	conversations conversationReader
	messages      messageRepository
	providers     providerReader
	photoStore    photostore.PhotoStore
	mux           *http.ServeMux
	logger        *slog.Logger
}

func NewServer(sessions *session.Manager, convs conversationReader, msgs messageRepository, providers providerReader, ps photostore.PhotoStore, logger *slog.Logger) *Server {
	s := &Server{
		sessions:      sessions,
		conversations: convs,
		messages:      msgs,
		providers:     providers,
		photoStore:    ps,
		mux:           http.NewServeMux(),
		logger:        logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("GET /conversations/{id}/photo", s.handleGetPhoto)
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.handleRespond)
	s.mux.HandleFunc("POST /conversations/{id}/regenerate", s.handleRegenerate)
	s.mux.HandleFunc("POST /conversations/{id}/messages/{msgID}/feedback", s.handleFeedback)
}

// securityHeaders adds defensive HTTP response headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:; connect-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the written status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streaming survives the
// middleware wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger(s.logger, securityHeaders(s.mux)).ServeHTTP(w, r)
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting server", "addr", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe()
}

// parseID extracts a path variable and returns it as int64.
func parseID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
