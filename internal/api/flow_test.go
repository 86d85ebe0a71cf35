package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropycalc/internal/engine"
	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
)

func TestEngineFlowOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup in short mode")
	}
	ctx := context.Background()
	cop, err := fhe.NewCoprocessor(fhe.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	orc, err := oracle.New(oracle.Config{Address: "oracle-1", Fee: 10, Source: cop, Logger: zerolog.Nop()})
	require.NoError(t, err)
	journal := engine.NewJournal()
	eng, err := engine.New(engine.Config{Self: "engine-1", Runtime: cop, Provider: orc, Events: journal, Logger: zerolog.Nop()})
	require.NoError(t, err)

	h := NewServer(Config{Engine: eng, Events: JournalSource(journal), Logger: zerolog.Nop()})

	seal := func(v uint64) ([]byte, []byte) {
		in, proof, err := cop.Prover().Encrypt(v, eng.Self(), "alice")
		require.NoError(t, err)
		raw, err := in.Marshal()
		require.NoError(t, err)
		return raw, proof
	}
	in1, proof1 := seal(5)
	in2, proof2 := seal(3)

	rec := do(t, h, http.MethodPost, "/v1/engine/add", "alice", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/engine/initialize", "alice", InitializeRequest{Input1: in1, Proof1: proof2, Input2: in2, Proof2: proof2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	initReq := InitializeRequest{Input1: in1, Proof1: proof1, Input2: in2, Proof2: proof2}
	rec = do(t, h, http.MethodPost, "/v1/engine/initialize", "alice", initReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/v1/engine/initialize", "alice", initReq)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/engine/multiply", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var prod ResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prod))
	v, err := cop.Reveal(ctx, eng.Self(), prod.Result)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)

	rec = do(t, h, http.MethodPost, "/v1/engine/entropy", "alice", EntropyRequest{Tag: "t", Payment: 5})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/engine/entropy", "alice", EntropyRequest{Tag: "t", Payment: 10})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID oracle.RequestID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, h, http.MethodPost, "/v1/engine/subtract/entropy/"+string(created.ID), "alice", nil)
	assert.Equal(t, http.StatusTooEarly, rec.Code)

	require.NoError(t, orc.Fulfill(ctx, created.ID))

	rec = do(t, h, http.MethodPost, "/v1/engine/subtract/entropy/"+string(created.ID), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/engine/subtract/entropy/"+string(created.ID), "alice", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/events?after=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Events []engine.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Events, 3)
	assert.Equal(t, engine.EventMultiplicationPerformed, listed.Events[0].Kind)
	assert.Equal(t, engine.EventEntropyRequested, listed.Events[1].Kind)
	assert.Equal(t, engine.EventEntropySubtractionPerformed, listed.Events[2].Kind)
}

// A client that shares nothing with the daemon but its URL can seal operands.
func TestClientSealsWithPublishedKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup in short mode")
	}
	ctx := context.Background()
	cop, err := fhe.NewCoprocessor(fhe.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	orc, err := oracle.New(oracle.Config{Address: "oracle-1", Source: cop, Logger: zerolog.Nop()})
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{Self: "engine-1", Runtime: cop, Provider: orc, Logger: zerolog.Nop()})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(Config{Engine: eng, Runtime: cop, Logger: zerolog.Nop()}))
	defer srv.Close()

	prover, engineID, err := FetchProver(ctx, srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, eng.Self(), engineID)
	assert.True(t, prover.NetworkKey().Equal(cop.NetworkKey()))

	req, err := SealInitialize(prover, engineID, "alice", 6, 7)
	require.NoError(t, err)
	require.NoError(t, Initialize(ctx, srv.Client(), srv.URL, "alice", req))
	assert.Error(t, Initialize(ctx, srv.Client(), srv.URL, "alice", req), "second initialization accepted")

	res, err := eng.Multiply(ctx)
	require.NoError(t, err)
	v, err := cop.Reveal(ctx, eng.Self(), res.Handle())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestRuntimeKeysNotPublishedWithoutRuntime(t *testing.T) {
	h := NewServer(Config{Engine: &stubEngine{}, Logger: zerolog.Nop()})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runtime/network-key", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runtime/proving-key", "", nil).Code)
}
