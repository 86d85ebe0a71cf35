package oracle

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"entropycalc/internal/fhe"
)

// Envelope types.
const (
	TypeFee        = "fee"
	TypeRequest    = "request"
	TypeStatus     = "status"
	TypeRandomness = "randomness"
	TypeError      = "error"
)

// HeaderRequester carries the requester principal on randomness fetches.
const HeaderRequester = "X-Principal"

// FeePayload answers GET /fee.
type FeePayload struct {
	Fee Amount `json:"fee"`
}

// RequestBody is the body of POST /requests.
type RequestBody struct {
	Requester fhe.Principal `json:"requester"`
	Tag       string        `json:"tag"`
	Payment   Amount        `json:"payment"`
}

// StatusPayload answers request creation, status and fulfillment calls.
type StatusPayload struct {
	ID        RequestID `json:"id"`
	Fulfilled bool      `json:"fulfilled"`
}

// RandomnessPayload answers GET /requests/{id}/randomness. Input and Proof are set when the
// randomness is sealed for the requester's runtime; Input is the CBOR encoded external input.
type RandomnessPayload struct {
	ID     RequestID  `json:"id"`
	Handle fhe.Handle `json:"handle"`
	Input  []byte     `json:"input,omitempty"`
	Proof  []byte     `json:"proof,omitempty"`
}

// ErrorPayload carries a failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer exposes o over HTTP. Every response body is an Envelope signed by signer.
func NewServer(o *Oracle, signer *Signer, log zerolog.Logger) http.Handler {
	s := &server{oracle: o, signer: signer, log: log}

	r := chi.NewRouter()
	r.Get("/fee", s.handleFee)
	r.Post("/requests", s.handleRequest)
	r.Route("/requests/{id}", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Get("/randomness", s.handleRandomness)
		r.Post("/fulfill", s.handleFulfill)
	})
	return r
}

type server struct {
	oracle *Oracle
	signer *Signer
	log    zerolog.Logger
}

func (s *server) handleFee(w http.ResponseWriter, r *http.Request) {
	fee, err := s.oracle.CurrentFee(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.write(w, http.StatusOK, TypeFee, FeePayload{Fee: fee})
}

func (s *server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Requester == "" {
		s.write(w, http.StatusBadRequest, TypeError, ErrorPayload{Code: "bad_request", Message: "invalid request body"})
		return
	}
	id, err := s.oracle.RequestRandomness(r.Context(), body.Requester, body.Tag, body.Payment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.write(w, http.StatusCreated, TypeRequest, StatusPayload{ID: id})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := RequestID(chi.URLParam(r, "id"))
	ok, err := s.oracle.IsFulfilled(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.write(w, http.StatusOK, TypeStatus, StatusPayload{ID: id, Fulfilled: ok})
}

func (s *server) handleRandomness(w http.ResponseWriter, r *http.Request) {
	id := RequestID(chi.URLParam(r, "id"))
	requester := fhe.Principal(r.Header.Get(HeaderRequester))
	d, err := s.oracle.Deliver(r.Context(), requester, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := RandomnessPayload{ID: id, Handle: d.Handle, Proof: d.Proof}
	if d.Sealed != nil {
		if payload.Input, err = d.Sealed.Marshal(); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.write(w, http.StatusOK, TypeRandomness, payload)
}

func (s *server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	id := RequestID(chi.URLParam(r, "id"))
	if err := s.oracle.Fulfill(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.write(w, http.StatusOK, TypeStatus, StatusPayload{ID: id, Fulfilled: true})
}

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrInsufficientPayment, "insufficient_payment", http.StatusPaymentRequired},
	{ErrUnknownRequest, "unknown_request", http.StatusNotFound},
	{ErrNotFulfilled, "not_fulfilled", http.StatusConflict},
	{ErrAlreadyFulfilled, "already_fulfilled", http.StatusConflict},
	{ErrWrongRequester, "wrong_requester", http.StatusForbidden},
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			s.write(w, e.status, TypeError, ErrorPayload{Code: e.code, Message: err.Error()})
			return
		}
	}
	s.log.Error().Err(err).Msg("oracle request failed")
	s.write(w, http.StatusInternalServerError, TypeError, ErrorPayload{Code: "internal", Message: "internal error"})
}

func (s *server) write(w http.ResponseWriter, status int, typ string, payload interface{}) {
	env, err := s.signer.Seal(typ, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to seal envelope")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
