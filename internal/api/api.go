// Package api serves the engine's entry points over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"entropycalc/internal/engine"
	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
	"entropycalc/internal/telemetry"
)

// HeaderPrincipal identifies the caller.
const HeaderPrincipal = "X-Principal"

// Engine is the engine surface the API drives.
type Engine interface {
	Self() fhe.Principal
	Provider() oracle.Provider
	IsInitialized() bool
	PendingRequests(ctx context.Context) (int, error)
	Initialize(ctx context.Context, caller fhe.Principal, in1 *fhe.ExternalInput, proof1 []byte, in2 *fhe.ExternalInput, proof2 []byte) error
	RequestEntropy(ctx context.Context, caller fhe.Principal, tag string, payment oracle.Amount) (oracle.RequestID, error)
	Add(ctx context.Context) (fhe.Ciphertext, error)
	Subtract(ctx context.Context) (fhe.Ciphertext, error)
	Multiply(ctx context.Context) (fhe.Ciphertext, error)
	AddWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error)
	SubtractWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error)
	MultiplyWithEntropy(ctx context.Context, id oracle.RequestID) (fhe.Ciphertext, error)
}

var _ Engine = (*engine.Engine)(nil)

// EventSource lists events with Seq greater than after.
type EventSource func(ctx context.Context, after uint64) ([]engine.Event, error)

// JournalSource adapts a Journal to an EventSource.
func JournalSource(j *engine.Journal) EventSource {
	return func(ctx context.Context, after uint64) ([]engine.Event, error) {
		return j.Events(after), nil
	}
}

// KeyPublisher exposes the runtime keys a client needs to seal inputs.
type KeyPublisher interface {
	NetworkKey() *bls12377.G1Affine
	WriteProvingKey(w io.Writer) (int64, error)
}

var _ KeyPublisher = (*fhe.Coprocessor)(nil)

// Config wires the server.
type Config struct {
	Engine  Engine
	Runtime KeyPublisher
	Events  EventSource
	Metrics *telemetry.MetricsCollector
	Health  *telemetry.HealthChecker
	Limiter *ClientRateLimiter
	Logger  zerolog.Logger
}

type server struct {
	cfg Config
	log zerolog.Logger
}

// NewServer builds the router.
func NewServer(cfg Config) http.Handler {
	s := &server{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.rateLimit)

		api.Get("/runtime/network-key", s.handleNetworkKey)
		api.Get("/runtime/proving-key", s.handleProvingKey)
		api.Get("/engine", s.handleStatus)
		api.Get("/events", s.handleEvents)
		api.Post("/engine/initialize", s.handleInitialize)
		api.Post("/engine/entropy", s.handleRequestEntropy)
		api.Post("/engine/{op}", s.handlePlain)
		api.Post("/engine/{op}/entropy/{id}", s.handleEntropy)
	})
	return r
}

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	RequestID string      `json:"request_id"`
	Error     ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{RequestID: newRequestID(), Error: ErrorDetail{Code: code, Message: message}})
}

// Status codes per engine error code.
var statusByCode = map[string]int{
	engine.CodeAlreadyInitialized:       http.StatusConflict,
	engine.CodeNotInitialized:           http.StatusPreconditionFailed,
	engine.CodeInsufficientFee:          http.StatusPaymentRequired,
	engine.CodeUnknownOrConsumedRequest: http.StatusGone,
	engine.CodeEntropyNotReady:          http.StatusTooEarly,
	engine.CodeInvalidInput:             http.StatusBadRequest,
}

func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	code := engine.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		s.log.Error().Err(err).Msg("engine failure")
		writeError(w, http.StatusInternalServerError, engine.CodeInternal, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func caller(r *http.Request) fhe.Principal {
	return fhe.Principal(r.Header.Get(HeaderPrincipal))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"overall_status": telemetry.Healthy})
		return
	}
	h := s.cfg.Health.CheckHealth()
	status := http.StatusOK
	if h.OverallStatus == telemetry.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeJSON(w, http.StatusOK, telemetry.Summary{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.GetMetricsSummary())
}

// NetworkKeyResponse answers GET /v1/runtime/network-key. NetworkKey is the hex encoded
// compressed point inputs are sealed to.
type NetworkKeyResponse struct {
	RequestID  string        `json:"request_id"`
	Engine     fhe.Principal `json:"engine"`
	NetworkKey string        `json:"network_key"`
}

func (s *server) handleNetworkKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runtime == nil {
		writeError(w, http.StatusNotFound, "not_found", "runtime keys not published")
		return
	}
	writeJSON(w, http.StatusOK, NetworkKeyResponse{
		RequestID:  newRequestID(),
		Engine:     s.cfg.Engine.Self(),
		NetworkKey: hex.EncodeToString(fhe.EncodeNetworkKey(s.cfg.Runtime.NetworkKey())),
	})
}

// handleProvingKey streams the Groth16 proving key for the input circuit.
func (s *server) handleProvingKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runtime == nil {
		writeError(w, http.StatusNotFound, "not_found", "runtime keys not published")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := s.cfg.Runtime.WriteProvingKey(w); err != nil {
		s.log.Error().Err(err).Msg("write proving key")
	}
}

// StatusResponse answers GET /v1/engine.
type StatusResponse struct {
	RequestID       string        `json:"request_id"`
	Self            fhe.Principal `json:"self"`
	Initialized     bool          `json:"initialized"`
	Provider        string        `json:"provider"`
	PendingRequests int           `json:"pending_requests"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Engine.PendingRequests(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		RequestID:       newRequestID(),
		Self:            s.cfg.Engine.Self(),
		Initialized:     s.cfg.Engine.IsInitialized(),
		Provider:        s.cfg.Engine.Provider().Address(),
		PendingRequests: n,
	})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not available")
		return
	}
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "after must be a sequence number")
			return
		}
		after = n
	}
	events, err := s.cfg.Events(r.Context(), after)
	if err != nil {
		s.log.Error().Err(err).Msg("list events")
		writeError(w, http.StatusInternalServerError, engine.CodeInternal, "internal error")
		return
	}
	if events == nil {
		events = []engine.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "events": events})
}

// InitializeRequest carries two CBOR encoded external inputs, each with its own proof.
type InitializeRequest struct {
	Input1 []byte `json:"input1"`
	Proof1 []byte `json:"proof1"`
	Input2 []byte `json:"input2"`
	Proof2 []byte `json:"proof2"`
}

func (s *server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	who := caller(r)
	if who == "" {
		writeError(w, http.StatusBadRequest, "bad_request", HeaderPrincipal+" header is required")
		return
	}
	var req InitializeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	in1, err := fhe.UnmarshalExternalInput(req.Input1)
	if err != nil {
		writeError(w, http.StatusBadRequest, engine.CodeInvalidInput, "input1: "+err.Error())
		return
	}
	in2, err := fhe.UnmarshalExternalInput(req.Input2)
	if err != nil {
		writeError(w, http.StatusBadRequest, engine.CodeInvalidInput, "input2: "+err.Error())
		return
	}

	if err := s.cfg.Engine.Initialize(r.Context(), who, in1, req.Proof1, in2, req.Proof2); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "initialized": true})
}

// EntropyRequest is the body of POST /v1/engine/entropy.
type EntropyRequest struct {
	Tag     string        `json:"tag"`
	Payment oracle.Amount `json:"payment"`
}

func (s *server) handleRequestEntropy(w http.ResponseWriter, r *http.Request) {
	var req EntropyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	id, err := s.cfg.Engine.RequestEntropy(r.Context(), caller(r), req.Tag, req.Payment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"request_id": newRequestID(), "id": id})
}

// ResultResponse answers arithmetic calls.
type ResultResponse struct {
	RequestID      string           `json:"request_id"`
	Op             string           `json:"op"`
	EntropyRequest oracle.RequestID `json:"entropy_request,omitempty"`
	Result         fhe.Handle       `json:"result"`
}

func (s *server) handlePlain(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	var fn func(context.Context) (fhe.Ciphertext, error)
	switch op {
	case "add":
		fn = s.cfg.Engine.Add
	case "subtract":
		fn = s.cfg.Engine.Subtract
	case "multiply":
		fn = s.cfg.Engine.Multiply
	default:
		writeError(w, http.StatusNotFound, "unknown_op", "unknown operation "+op)
		return
	}

	res, err := fn(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{RequestID: newRequestID(), Op: op, Result: res.Handle()})
}

func (s *server) handleEntropy(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	id := oracle.RequestID(chi.URLParam(r, "id"))
	var fn func(context.Context, oracle.RequestID) (fhe.Ciphertext, error)
	switch op {
	case "add":
		fn = s.cfg.Engine.AddWithEntropy
	case "subtract":
		fn = s.cfg.Engine.SubtractWithEntropy
	case "multiply":
		fn = s.cfg.Engine.MultiplyWithEntropy
	default:
		writeError(w, http.StatusNotFound, "unknown_op", "unknown operation "+op)
		return
	}

	res, err := fn(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{RequestID: newRequestID(), Op: op, EntropyRequest: id, Result: res.Handle()})
}

func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !s.cfg.Limiter.Allow(clientAddr(r)) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordRateLimited()
			}
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr keys rate limiting on the connection's host. X-Principal is caller supplied and
// must not select the bucket.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordHTTPRequest(route, status)
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("principal", string(caller(r))).
			Msg("http request")
	})
}
