// ABOUTME: Gateway wires the conversation core to its HTTP collaborator surface
// ABOUTME: Owns construction of store, queue, service, and the HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/courier-core/internal/auth"
	"github.com/2389/courier-core/internal/config"
	"github.com/2389/courier-core/internal/conversation"
	"github.com/2389/courier-core/internal/dedupe"
	"github.com/2389/courier-core/internal/queue"
	"github.com/2389/courier-core/internal/store"
)

// Gateway owns the HTTP collaborator surface for the conversation core.
// The core itself is transport-agnostic; the gateway translates JSON
// requests into ConversationService calls and supplies the verified user
// identity from the auth middleware.
type Gateway struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	queue    *queue.Queue
	service  *conversation.Service
	dedupe   *dedupe.Cache
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// New constructs the gateway and all core components from configuration.
// Everything is instance-scoped: multiple gateways can coexist in one
// process without interference.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	q := queue.New(queue.Options{
		VisibilityTimeout: cfg.Delivery.VisibilityTimeout,
		SweepInterval:     cfg.Delivery.SweepInterval,
		MaxAttempts:       cfg.Delivery.MaxAttempts,
	}, logger)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		st.Close()
		q.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	return &Gateway{
		cfg:      cfg,
		store:    st,
		queue:    q,
		service:  conversation.New(st, q, logger),
		dedupe:   dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
	}, nil
}

// Routes builds the HTTP mux. API routes require a valid bearer token;
// health does not.
func (g *Gateway) Routes() http.Handler {
	authMiddleware := auth.HTTPMiddleware(g.verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/api/send", authMiddleware(http.HandlerFunc(g.handleSend)))
	mux.Handle("/api/receive", authMiddleware(http.HandlerFunc(g.handleReceive)))
	mux.Handle("/api/ack", authMiddleware(http.HandlerFunc(g.handleAck)))
	mux.Handle("/api/history", authMiddleware(http.HandlerFunc(g.handleHistory)))
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/deadletters", authMiddleware(http.HandlerFunc(g.handleDeadLetters)))
	return mux
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully and releases all resources.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.HTTPAddr,
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("shutdown error", "error", err)
	}

	g.close()
	return nil
}

// close releases the gateway's owned resources.
func (g *Gateway) close() {
	g.dedupe.Close()
	g.queue.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Error("closing store", "error", err)
	}
}

// handleHealth handles GET /health requests.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
