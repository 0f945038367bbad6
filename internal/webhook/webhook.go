// Package webhook serves the optional status and trigger HTTP endpoints.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/gitmirrord/internal/activation"
	"github.com/schaermu/gitmirrord/internal/config"
	gitmirrord "github.com/schaermu/gitmirrord/internal/sync"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Gitmirrord-Signature"

// Engine is the part of the sync engine the server drives
type Engine interface {
	Trigger()
	Status() gitmirrord.Status
}

// Server implements the status/trigger HTTP server
type Server struct {
	engine   Engine
	logger   *slog.Logger
	addr     string
	secret   []byte
	debounce *debouncer
}

// debouncer implements debouncing for trigger requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new status/trigger server
func NewServer(cfg *config.Config, engine Engine, logger *slog.Logger) (*Server, error) {
	// Load trigger secret from file
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		engine: engine,
		logger: logger,
		addr:   cfg.Serve.ListenAddr,
		secret: secret,
		// Initialize debouncer with 2 second delay
		debounce: &debouncer{delay: 2 * time.Second},
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sync", s.handleSync)
	return mux
}

// Start serves on systemd-activated sockets or the configured address until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listeners, activated, err := activation.Listen(s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listeners, activated)
}

// Serve runs the server on the given listeners until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listeners []net.Listener, activated bool) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		s.logger.Info("status server starting", "addr", l.Addr().String(), "socket_activated", activated)
		g.Go(func() error {
			if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server on %s: %w", l.Addr(), err)
			}
			return nil
		})
	}

	// Wait for context cancellation or a serve error
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleStatus reports the engine status as JSON
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Status()); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

// handleSync queues a full snapshot and commit
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("sync trigger accepted", "remote", r.RemoteAddr)
	s.debounce.trigger(s.engine.Trigger)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	// Compute expected signature
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
