package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropycalc/internal/engine"
	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
	"entropycalc/internal/telemetry"
)

// stubEngine answers every operation with err.
type stubEngine struct {
	err     error
	lastID  oracle.RequestID
	lastTag string
}

type stubProvider struct{ oracle.Provider }

func (stubProvider) Address() string { return "oracle-stub" }

func (s *stubEngine) Self() fhe.Principal       { return "engine-stub" }
func (s *stubEngine) Provider() oracle.Provider { return stubProvider{} }
func (s *stubEngine) IsInitialized() bool       { return s.err == nil }
func (s *stubEngine) PendingRequests(ctx context.Context) (int, error) {
	return 3, nil
}
func (s *stubEngine) Initialize(ctx context.Context, caller fhe.Principal, in1 *fhe.ExternalInput, proof1 []byte, in2 *fhe.ExternalInput, proof2 []byte) error {
	return s.err
}
func (s *stubEngine) RequestEntropy(ctx context.Context, caller fhe.Principal, tag string, payment oracle.Amount) (oracle.RequestID, error) {
	s.lastTag = tag
	return "req-1", s.err
}
func (s *stubEngine) result() (fhe.Ciphertext, error) { return fhe.Ciphertext{}, s.err }
func (s *stubEngine) Add(ctx context.Context) (fhe.Ciphertext, error)      { return s.result() }
func (s *stubEngine) Subtract(ctx context.Context) (fhe.Ciphertext, error) { return s.result() }
func (s *stubEngine) Multiply(ctx context.Context) (fhe.Ciphertext, error) { return s.result() }
func (s *stubEngine) AddWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error) {
	s.lastID = id
	return s.result()
}
func (s *stubEngine) SubtractWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error) {
	s.lastID = id
	return s.result()
}
func (s *stubEngine) MultiplyWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error) {
	s.lastID = id
	return s.result()
}

func do(t *testing.T, h http.Handler, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(HeaderPrincipal, principal)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
	return body
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&engine.Error{Op: "initialize", Err: engine.ErrAlreadyInitialized}, http.StatusConflict, engine.CodeAlreadyInitialized},
		{&engine.Error{Op: "add", Err: engine.ErrNotInitialized}, http.StatusPreconditionFailed, engine.CodeNotInitialized},
		{&engine.Error{Op: "request_entropy", Err: engine.ErrInsufficientFee}, http.StatusPaymentRequired, engine.CodeInsufficientFee},
		{&engine.Error{Op: "add_with_entropy", Err: engine.ErrUnknownOrConsumedRequest}, http.StatusGone, engine.CodeUnknownOrConsumedRequest},
		{&engine.Error{Op: "add_with_entropy", Err: engine.ErrEntropyNotReady}, http.StatusTooEarly, engine.CodeEntropyNotReady},
		{fmt.Errorf("wrapped: %w", fhe.ErrInvalidProof), http.StatusBadRequest, engine.CodeInvalidInput},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, engine.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewServer(Config{Engine: &stubEngine{err: tc.err}, Logger: zerolog.Nop()})
			rec := do(t, h, http.MethodPost, "/v1/engine/add/entropy/r1", "alice", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Error.Code)
		})
	}
}

func TestRoutes(t *testing.T) {
	stub := &stubEngine{}
	metrics := telemetry.NewMetricsCollector()
	h := NewServer(Config{Engine: stub, Metrics: metrics, Logger: zerolog.Nop()})

	rec := do(t, h, http.MethodGet, "/v1/engine", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "oracle-stub", status.Provider)
	assert.Equal(t, 3, status.PendingRequests)
	assert.True(t, status.Initialized)

	rec = do(t, h, http.MethodPost, "/v1/engine/entropy", "alice", EntropyRequest{Tag: "t", Payment: 10})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "t", stub.lastTag)

	for _, op := range []string{"add", "subtract", "multiply"} {
		rec = do(t, h, http.MethodPost, "/v1/engine/"+op, "alice", nil)
		assert.Equal(t, http.StatusOK, rec.Code, op)

		rec = do(t, h, http.MethodPost, "/v1/engine/"+op+"/entropy/req-9", "alice", nil)
		assert.Equal(t, http.StatusOK, rec.Code, op)
		assert.Equal(t, oracle.RequestID("req-9"), stub.lastID)
	}

	rec = do(t, h, http.MethodPost, "/v1/engine/divide", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/engine/entropy", "alice", map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/engine/initialize", "", InitializeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/engine/initialize", "alice", InitializeRequest{Input1: []byte{1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, engine.CodeInvalidInput, decodeError(t, rec).Error.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary telemetry.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.NotEmpty(t, summary.Counters)
}

func TestRateLimit(t *testing.T) {
	metrics := telemetry.NewMetricsCollector()
	h := NewServer(Config{
		Engine:  &stubEngine{},
		Metrics: metrics,
		Limiter: NewClientRateLimiter(2, 1, time.Hour),
		Logger:  zerolog.Nop(),
	})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/engine/add", "alice", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/engine/add", "alice", nil).Code)
	rec := do(t, h, http.MethodPost, "/v1/engine/add", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error.Code)

	// Health is not limited.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "alice", nil).Code)
	assert.Equal(t, int64(1), metrics.Counter(telemetry.MetricRateLimited, nil))
}

func TestRateLimitKeyedOnClientAddress(t *testing.T) {
	limiter := NewClientRateLimiter(1, 1, time.Hour)
	h := NewServer(Config{Engine: &stubEngine{}, Limiter: limiter, Logger: zerolog.Nop()})

	send := func(remote, principal string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/engine/add", nil)
		req.RemoteAddr = remote
		req.Header.Set(HeaderPrincipal, principal)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	limited := 0
	for i := 0; i < 500; i++ {
		// Same host, new source port and a fresh principal each time.
		if send(fmt.Sprintf("203.0.113.7:%d", 40000+i), fmt.Sprintf("caller-%d", i)) == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 499, limited)
	assert.Equal(t, 1, limiter.Clients())

	assert.Equal(t, http.StatusOK, send("198.51.100.2:5000", "caller-0"))
	assert.Equal(t, 2, limiter.Clients())
}

func TestClientRateLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("Idle Buckets Swept After Full Refill", func(t *testing.T) {
		rl := newClientRateLimiter(2, 1, time.Minute, DefaultMaxClients, clock)
		for i := 0; i < 100; i++ {
			rl.Allow(fmt.Sprintf("10.0.0.%d", i))
		}
		assert.Equal(t, 100, rl.Clients())

		now = now.Add(time.Minute)
		assert.True(t, rl.Allow("10.0.0.1"))
		assert.Equal(t, 100, rl.Clients(), "swept before a full refill")

		now = now.Add(2 * time.Minute)
		assert.True(t, rl.Allow("10.0.0.200"))
		assert.Equal(t, 1, rl.Clients())
	})

	t.Run("Oldest Bucket Evicted At Capacity", func(t *testing.T) {
		rl := newClientRateLimiter(1, 1, time.Hour, 3, clock)
		for _, c := range []string{"a", "b", "c"} {
			assert.True(t, rl.Allow(c))
			now = now.Add(time.Second)
		}
		assert.False(t, rl.Allow("a"))
		now = now.Add(time.Second)

		assert.True(t, rl.Allow("d"))
		assert.Equal(t, 3, rl.Clients())
		// "b" was least recently used; "a" still has its drained bucket.
		assert.Equal(t, 1, rl.Tokens("b"))
		assert.False(t, rl.Allow("a"))
	})
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, 1, time.Second, func() time.Time { return now })

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	now = now.Add(10 * time.Second)
	assert.Equal(t, 0, rl.Tokens())
	assert.True(t, rl.Allow())
	assert.Equal(t, 1, rl.Tokens())
}

func TestHealthEndpoint(t *testing.T) {
	hc := telemetry.NewHealthChecker("test")
	hc.RegisterComponent("provider", func() error { return fmt.Errorf("unreachable") })
	h := NewServer(Config{Engine: &stubEngine{}, Health: hc, Logger: zerolog.Nop()})

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report telemetry.SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, telemetry.Unhealthy, report.OverallStatus)
}
