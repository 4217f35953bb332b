package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/paystack"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

const testSecret = "sk_test_webhook" //nolint:gosec // test fixture, not a credential

type stubVerifier struct {
	txn *paystack.Transaction
	err error
}

func (s *stubVerifier) Verify(ctx context.Context, reference string) (*paystack.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.txn, nil
}

type stubGranter struct {
	sub      *storage.Subscription
	won      bool
	grantErr error

	mu      sync.Mutex
	granted []string
	failed  []string
}

func (s *stubGranter) Grant(ctx context.Context, reference string) (*storage.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = append(s.granted, reference)
	return s.sub, s.won, s.grantErr
}

func (s *stubGranter) MarkFailed(ctx context.Context, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, reference)
	return true, nil
}

type stubUpdates struct {
	mu      sync.Mutex
	handled []tgbotapi.Update
	block   chan struct{}
}

func (s *stubUpdates) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, update)
	return nil
}

func newTestServer(t *testing.T, verifier *stubVerifier, granter *stubGranter, updates *stubUpdates, cfg Config) *Server {
	t.Helper()
	if cfg.PaystackSecret == "" {
		cfg.PaystackSecret = testSecret
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	srv, err := NewServer(context.Background(), cfg, verifier, granter, updates, nil, logger, metrics, registry)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/paystack/webhook", bytes.NewBufferString(body))
	req.Header.Set(paystack.SignatureHeader, paystack.Signature([]byte(body), testSecret))
	return req
}

func TestNewServer_RequiresSecret(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	_, err := NewServer(context.Background(), Config{}, &stubVerifier{}, &stubGranter{}, &stubUpdates{}, nil, logger, nil, nil)
	assert.Error(t, err)
}

func TestPaystackWebhook_RejectsMissingSignature(t *testing.T) {
	granter := &stubGranter{}
	srv := newTestServer(t, &stubVerifier{}, granter, &stubUpdates{}, Config{})

	body := `{"event":"charge.success","data":{"reference":"ref-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/paystack/webhook", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, granter.granted)
}

func TestPaystackWebhook_RejectsBadSignature(t *testing.T) {
	granter := &stubGranter{}
	srv := newTestServer(t, &stubVerifier{}, granter, &stubUpdates{}, Config{})

	body := `{"event":"charge.success","data":{"reference":"ref-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/paystack/webhook", bytes.NewBufferString(body))
	req.Header.Set(paystack.SignatureHeader, paystack.Signature([]byte(body), "some-other-secret"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, granter.granted)
}

func TestPaystackWebhook_ChargeSuccessGrants(t *testing.T) {
	verifier := &stubVerifier{txn: &paystack.Transaction{Reference: "ref-1", Status: "success"}}
	granter := &stubGranter{sub: &storage.Subscription{UserID: 42}, won: true}
	srv := newTestServer(t, verifier, granter, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{"event":"charge.success","data":{"reference":"ref-1","status":"success"}}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.Equal(t, []string{"ref-1"}, granter.granted)
}

func TestPaystackWebhook_DuplicateDeliveryStillOK(t *testing.T) {
	verifier := &stubVerifier{txn: &paystack.Transaction{Reference: "ref-1", Status: "success"}}
	granter := &stubGranter{won: false} // the first delivery already settled
	srv := newTestServer(t, verifier, granter, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{"event":"charge.success","data":{"reference":"ref-1"}}`))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaystackWebhook_VerifyDisagreesNoGrant(t *testing.T) {
	// The delivery claims success but the gateway says otherwise. The
	// event is dropped without touching the payment.
	verifier := &stubVerifier{txn: &paystack.Transaction{Reference: "ref-1", Status: "pending"}}
	granter := &stubGranter{}
	srv := newTestServer(t, verifier, granter, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{"event":"charge.success","data":{"reference":"ref-1","status":"success"}}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, granter.granted)
}

func TestPaystackWebhook_VerifyUnavailable503(t *testing.T) {
	verifier := &stubVerifier{err: &paystack.TransientError{Err: fmt.Errorf("timeout")}}
	granter := &stubGranter{}
	srv := newTestServer(t, verifier, granter, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{"event":"charge.success","data":{"reference":"ref-1"}}`))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, granter.granted)
}

func TestPaystackWebhook_ChargeFailedMarksFailed(t *testing.T) {
	granter := &stubGranter{}
	srv := newTestServer(t, &stubVerifier{}, granter, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{"event":"charge.failed","data":{"reference":"ref-1"}}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ref-1"}, granter.failed)
	assert.Empty(t, granter.granted)
}

func TestPaystackWebhook_IgnoresOtherEvents(t *testing.T) {
	granter := &stubGranter{}
	srv := newTestServer(t, &stubVerifier{}, granter, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{"event":"transfer.success","data":{"reference":"ref-1"}}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
	assert.Empty(t, granter.granted)
}

func TestPaystackWebhook_BadPayload(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{}, &stubGranter{}, &stubUpdates{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(t, `{not json`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTelegramWebhook_QueuesUpdate(t *testing.T) {
	updates := &stubUpdates{}
	srv := newTestServer(t, &stubVerifier{}, &stubGranter{}, updates, Config{})

	body := `{"update_id":1,"message":{"message_id":1,"text":"/start","chat":{"id":42},"from":{"id":42}}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "true")

	// The update lands on a worker shortly after the handler returns.
	assert.Eventually(t, func() bool {
		updates.mu.Lock()
		defer updates.mu.Unlock()
		return len(updates.handled) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTelegramWebhook_BadPayload(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{}, &stubGranter{}, &stubUpdates{}, Config{})

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewBufferString("{bad"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTelegramWebhook_FullQueue503(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	updates := &stubUpdates{block: block}
	srv := newTestServer(t, &stubVerifier{}, &stubGranter{}, updates, Config{
		UpdateWorkers:   1,
		UpdateQueueSize: 1,
	})

	body := `{"update_id":1}`
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	// First update occupies the single worker, second fills the queue.
	// Keep sending until the queue is provably full, then expect 503.
	require.Equal(t, http.StatusOK, send())
	assert.Eventually(t, func() bool {
		return send() == http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()
	health := observability.NewHealthChecker(store, nil)

	srv, err := NewServer(context.Background(), Config{PaystackSecret: testSecret},
		&stubVerifier{}, &stubGranter{}, &stubUpdates{}, health, logger, metrics, registry)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
