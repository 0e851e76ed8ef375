// Package server exposes the conversation engine over HTTP
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/palaver/internal/config"
	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/internal/events"
	"github.com/cloud-shuttle/palaver/internal/search"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Engine is the conversation engine the server fronts
type Engine interface {
	ProcessMessage(ctx context.Context, conversationID, message string) (types.Reply, error)
	ClearConversation(ctx context.Context, conversationID string) error
	ListConversations() []types.ConversationInfo
	Conversation(conversationID string) (conversation.Snapshot, error)
	Health() bool
}

// Searcher finds messages in persisted conversations
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

// Options configures a Server
type Options struct {
	Engine Engine
	// Bus feeds /events; nil disables the stream
	Bus *events.Bus
	// Searcher serves /search; nil disables it
	Searcher Searcher
	Logger *slog.Logger

	CORSOrigin string
	RateLimit  config.RateLimitConfig

	// MaxBodyBytes caps request bodies; zero means 1 MiB
	MaxBodyBytes int64
	// WriteTimeout bounds non-streaming responses; zero means 2 minutes
	WriteTimeout time.Duration
}

// Server is the Palaver HTTP server
type Server struct {
	engine       Engine
	bus          *events.Bus
	searcher     Searcher
	logger       *slog.Logger
	corsOrigin   string
	maxBodyBytes int64
	writeTimeout time.Duration
	rateLimiter  *RateLimiter
	handler      http.Handler
	server       *http.Server
}

// New creates a new server
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("server requires an engine")
	}

	s := &Server{
		engine:       opts.Engine,
		bus:          opts.Bus,
		searcher:     opts.Searcher,
		logger:       opts.Logger,
		corsOrigin:   opts.CORSOrigin,
		maxBodyBytes: opts.MaxBodyBytes,
		writeTimeout: opts.WriteTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = 1 << 20
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 2 * time.Minute
	}
	s.rateLimiter = NewRateLimiter(opts.RateLimit, s.logger)

	router := mux.NewRouter()
	router.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	router.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}", s.handleClearConversation).Methods(http.MethodDelete)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "validation_error", fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
	})

	// Apply middleware
	var handler http.Handler = router
	handler = s.rateLimiter.Middleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.handler = handler

	return s, nil
}

// Handler returns the root handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       time.Minute,
	}

	s.logger.Info("palaver server listening", "addr", l.Addr().String())
	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
