package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWebhook is newAuditWebhook with a short retry delay.
func newTestWebhook(url, authHeader string) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: time.Second},
		retryDelay: 10 * time.Millisecond,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookEvent
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{
		Event:      string(AuditCertRevoked),
		Actor:      "ops@example.cm",
		RemoteAddr: "127.0.0.1:1234",
		Timestamp:  "2026-01-01T00:00:00Z",
		Attrs:      map[string]string{"certificate_id": "c-1"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cert_revoked", received.Event)
	assert.Equal(t, "ops@example.cm", received.Actor)
	assert.Equal(t, "127.0.0.1:1234", received.RemoteAddr)
	assert.Equal(t, "c-1", received.Attrs["certificate_id"])
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_GivesUpAfterSecond500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load())
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_Headers(t *testing.T) {
	var gotAuth, gotContentType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "Authorization: Bearer my-token-123")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := &auditWebhook{
		url:    srv.URL,
		client: &http.Client{Timeout: 100 * time.Millisecond},
		events: make(chan webhookEvent, 2),
	}
	wh.wg.Add(1)
	go wh.loop()

	// Reaching the end without blocking is the assertion.
	for range 10 {
		wh.enqueue(webhookEvent{Event: "flood", Timestamp: "2026-01-01T00:00:00Z"})
	}
	close(wh.events)
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	for range 5 {
		wh.enqueue(webhookEvent{Event: "drain_test", Timestamp: "2026-01-01T00:00:00Z"})
	}
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestAuditLogger_ForwardsToWebhook(t *testing.T) {
	var body []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	al := newAuditLogger(slog.New(slog.DiscardHandler))
	al.webhook = newTestWebhook(srv.URL, "")
	req := httptest.NewRequest(http.MethodPost, "/crl", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	al.logEvent(AuditCRLRebuilt, req, "admin", slog.Int64("crl_number", 12))
	al.webhook.close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "crl_rebuilt", parsed["event"])
	assert.Equal(t, "admin", parsed["actor"])
	assert.Equal(t, "10.0.0.1:5555", parsed["remote_addr"])
	attrs, ok := parsed["attrs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "12", attrs["crl_number"])
}
