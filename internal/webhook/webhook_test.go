package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/gitmirrord/internal/config"
	gitmirrord "github.com/schaermu/gitmirrord/internal/sync"
)

// mockEngine implements Engine for testing.
type mockEngine struct {
	triggers atomic.Int32
	status   gitmirrord.Status
}

func (m *mockEngine) Trigger() {
	m.triggers.Add(1)
}

func (m *mockEngine) Status() gitmirrord.Status {
	return m.status
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	// Create secret file
	secretPath := filepath.Join(tmpDir, "trigger_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Serve: config.ServeConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:0",
			SecretFile: secretPath,
		},
	}

	return cfg, secret
}

func newTestServer(t *testing.T) (*Server, *mockEngine, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	engine := &mockEngine{}

	server, err := NewServer(cfg, engine, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	server.debounce.delay = 10 * time.Millisecond
	return server, engine, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewServer(t *testing.T) {
	server, _, _ := newTestServer(t)

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected secret to be 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.SecretFile = "/nonexistent/secret"

	if _, err := NewServer(cfg, &mockEngine{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}
}

func TestNewServer_EmptySecret(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	if err := os.WriteFile(cfg.Serve.SecretFile, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewServer(cfg, &mockEngine{}, testLogger()); err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}

func TestVerifySignature(t *testing.T) {
	server, _, secret := newTestServer(t)
	body := []byte(`{"reason":"manual"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid signature", signature: computeSignature(body, secret), want: true},
		{name: "wrong secret", signature: computeSignature(body, "wrong-secret"), want: false},
		{name: "missing prefix", signature: computeSignature(body, secret)[len("sha256="):], want: false},
		{name: "sha1 prefix", signature: "sha1=abc", want: false},
		{name: "empty signature", signature: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleSync_ValidRequest(t *testing.T) {
	server, engine, secret := newTestServer(t)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, computeSignature(body, secret))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}

	// Wait for the debounced trigger
	deadline := time.Now().Add(2 * time.Second)
	for engine.triggers.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := engine.triggers.Load(); got != 1 {
		t.Errorf("expected 1 trigger, got %d", got)
	}
}

func TestHandleSync_EmptyBody(t *testing.T) {
	server, _, secret := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set(SignatureHeader, computeSignature(nil, secret))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}
}

func TestHandleSync_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		signature string
		want      int
	}{
		{name: "GET not allowed", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "missing signature", method: http.MethodPost, want: http.StatusForbidden},
		{name: "bad signature", method: http.MethodPost, signature: "sha256=deadbeef", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, engine, _ := newTestServer(t)

			req := httptest.NewRequest(tt.method, "/sync", bytes.NewReader([]byte(`{}`)))
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}

			time.Sleep(30 * time.Millisecond)
			if got := engine.triggers.Load(); got != 0 {
				t.Errorf("rejected request must not trigger, got %d", got)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	server, engine, _ := newTestServer(t)
	engine.status = gitmirrord.Status{
		State:      gitmirrord.StateIdle,
		LastCommit: "abc123",
		LastPushed: true,
		Batches:    3,
		Commits:    3,
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got gitmirrord.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if diff := cmp.Diff(engine.status, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	server, _, _ := newTestServer(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx, []net.Listener{l}, false)
	}()

	// The server answers while running
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + l.Addr().String() + "/status")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	// Should only be called once despite 5 triggers
	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}
