package oracle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropycalc/internal/fhe"
)

type fakeSource struct {
	mu     sync.Mutex
	owners map[fhe.Handle]fhe.Principal
}

func (f *fakeSource) Random(ctx context.Context, seed []byte, owner fhe.Principal) (fhe.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners == nil {
		f.owners = make(map[fhe.Handle]fhe.Principal)
	}
	h := fhe.Handle(sha256.Sum256(seed))
	f.owners[h] = owner
	return fhe.PendingHandle(h), nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestOracle(t *testing.T, fee Amount) (*Oracle, *fakeSource, *clock) {
	t.Helper()
	src := &fakeSource{}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o, err := New(Config{
		Address: "oracle-1",
		Fee:     fee,
		Source:  src,
		Secret:  []byte("secret"),
		Logger:  zerolog.Nop(),
		Now:     clk.now,
	})
	require.NoError(t, err)
	return o, src, clk
}

var (
	runtimesOnce       sync.Once
	engineRT, oracleRT *fhe.Coprocessor
	runtimesErr        error
)

// runtimes returns two independent coprocessors: one for the requester, one local to the oracle.
func runtimes(t *testing.T) (*fhe.Coprocessor, *fhe.Coprocessor) {
	t.Helper()
	runtimesOnce.Do(func() {
		engineRT, runtimesErr = fhe.NewCoprocessor(fhe.Config{Logger: zerolog.Nop()})
		if runtimesErr != nil {
			return
		}
		oracleRT, runtimesErr = fhe.NewCoprocessor(fhe.Config{Logger: zerolog.Nop()})
	})
	require.NoError(t, runtimesErr)
	return engineRT, oracleRT
}

// publishedProver rebuilds a prover from the keys c makes public.
func publishedProver(t *testing.T, c *fhe.Coprocessor) *fhe.Prover {
	t.Helper()
	var pk bytes.Buffer
	_, err := c.WriteProvingKey(&pk)
	require.NoError(t, err)
	netKey, err := fhe.DecodeNetworkKey(fhe.EncodeNetworkKey(c.NetworkKey()))
	require.NoError(t, err)
	p, err := fhe.NewProverFromKeys(netKey, &pk)
	require.NoError(t, err)
	return p
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Source: &fakeSource{}})
	assert.Error(t, err)
	_, err = New(Config{Address: "oracle"})
	assert.Error(t, err)
}

func TestRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	o, src, _ := newTestOracle(t, 10)

	_, err := o.RequestRandomness(ctx, "engine", "tag", 5)
	assert.ErrorIs(t, err, ErrInsufficientPayment)
	assert.Equal(t, Amount(0), o.Escrow())

	id, err := o.RequestRandomness(ctx, "engine", "tag", 12)
	require.NoError(t, err)
	assert.Equal(t, Amount(12), o.Escrow())

	ok, err := o.IsFulfilled(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = o.FetchConfidentialRandomness(ctx, "engine", id)
	assert.ErrorIs(t, err, ErrNotFulfilled)

	require.NoError(t, o.Fulfill(ctx, id))
	assert.ErrorIs(t, o.Fulfill(ctx, id), ErrAlreadyFulfilled)

	ok, err = o.IsFulfilled(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := o.FetchConfidentialRandomness(ctx, "engine", id)
	require.NoError(t, err)
	assert.Equal(t, fhe.Principal("engine"), src.owners[p.Handle()])

	_, err = o.FetchConfidentialRandomness(ctx, "someone-else", id)
	assert.ErrorIs(t, err, ErrWrongRequester)

	_, err = o.IsFulfilled(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestFulfillDue(t *testing.T) {
	ctx := context.Background()
	o, _, clk := newTestOracle(t, 0)

	early, err := o.RequestRandomness(ctx, "engine", "a", 0)
	require.NoError(t, err)
	clk.t = clk.t.Add(time.Minute)
	late, err := o.RequestRandomness(ctx, "engine", "b", 0)
	require.NoError(t, err)

	n, err := o.FulfillDue(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, ok := o.Request(early)
	require.True(t, ok)
	assert.True(t, info.Fulfilled)
	info, ok = o.Request(late)
	require.True(t, ok)
	assert.False(t, info.Fulfilled)

	outstanding := o.Outstanding()
	require.Len(t, outstanding, 1)
	assert.Equal(t, late, outstanding[0].ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	o, _, _ := newTestOracle(t, 0)
	id, err := o.RequestRandomness(context.Background(), "engine", "", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, time.Millisecond, 0) }()

	require.Eventually(t, func() bool {
		ok, _ := o.IsFulfilled(context.Background(), id)
		return ok
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEnvelopeSignature(t *testing.T) {
	signer, err := NewSigner("oracle-1")
	require.NoError(t, err)

	env, err := signer.Seal(TypeFee, FeePayload{Fee: 7})
	require.NoError(t, err)

	var fee FeePayload
	require.NoError(t, Open(env, signer.PublicKey(), "oracle-1", &fee))
	assert.Equal(t, Amount(7), fee.Fee)

	assert.ErrorIs(t, Open(env, signer.PublicKey(), "oracle-2", nil), ErrBadSignature)

	tampered := *env
	tampered.Payload = []byte(`{"fee":1}`)
	assert.ErrorIs(t, Open(&tampered, signer.PublicKey(), "oracle-1", nil), ErrBadSignature)

	other, err := NewSigner("oracle-1")
	require.NoError(t, err)
	assert.ErrorIs(t, Open(env, other.PublicKey(), "oracle-1", nil), ErrBadSignature)

	restored, err := SignerFromHex("oracle-1", "0101010101010101010101010101010101010101010101010101010101010101")
	require.NoError(t, err)
	pub, err := ParsePublicKey(restored.PublicKeyHex())
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(restored.PublicKey()))
}

func TestClientOverHTTP(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOracle(t, 10)
	signer, err := NewSigner(o.Address())
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(o, signer, zerolog.Nop()))
	defer srv.Close()

	c := NewClient(srv.URL, o.Address(), signer.PublicKey())
	assert.Equal(t, "oracle-1", c.Address())

	fee, err := c.CurrentFee(ctx)
	require.NoError(t, err)
	assert.Equal(t, Amount(10), fee)

	_, err = c.RequestRandomness(ctx, "engine", "tag", 1)
	assert.ErrorIs(t, err, ErrInsufficientPayment)

	id, err := c.RequestRandomness(ctx, "engine", "tag", 10)
	require.NoError(t, err)

	ok, err := c.IsFulfilled(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.FetchConfidentialRandomness(ctx, "engine", id)
	assert.ErrorIs(t, err, ErrNotFulfilled)

	require.NoError(t, c.Fulfill(ctx, id))

	ok, err = c.IsFulfilled(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := c.FetchConfidentialRandomness(ctx, "engine", id)
	require.NoError(t, err)
	direct, err := o.FetchConfidentialRandomness(ctx, "engine", id)
	require.NoError(t, err)
	assert.Equal(t, direct.Handle(), p.Handle())

	_, err = c.IsFulfilled(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestClientRejectsForgedOracle(t *testing.T) {
	o, _, _ := newTestOracle(t, 0)
	signer, err := NewSigner(o.Address())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(o, signer, zerolog.Nop()))
	defer srv.Close()

	impostor, err := NewSigner(o.Address())
	require.NoError(t, err)
	c := NewClient(srv.URL, o.Address(), impostor.PublicKey())

	_, err = c.CurrentFee(context.Background())
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSealedRandomnessImportedByRequesterRuntime(t *testing.T) {
	ctx := context.Background()
	requesterRT, localRT := runtimes(t)
	const requester fhe.Principal = "engine"

	o, err := New(Config{
		Address: "oracle-remote",
		Source:  localRT,
		Sealer:  publishedProver(t, requesterRT),
		Secret:  []byte("secret"),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	signer, err := NewSigner(o.Address())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(o, signer, zerolog.Nop()))
	defer srv.Close()

	c := NewClient(srv.URL, o.Address(), signer.PublicKey()).WithRuntime(requesterRT)
	id, err := c.RequestRandomness(ctx, requester, "dice", 0)
	require.NoError(t, err)
	require.NoError(t, c.Fulfill(ctx, id))

	_, err = o.FetchConfidentialRandomness(ctx, requester, id)
	assert.ErrorIs(t, err, ErrSealedDelivery)
	_, err = NewClient(srv.URL, o.Address(), signer.PublicKey()).FetchConfidentialRandomness(ctx, requester, id)
	assert.ErrorIs(t, err, ErrSealedDelivery)

	p, err := c.FetchConfidentialRandomness(ctx, requester, id)
	require.NoError(t, err)
	assert.False(t, localRT.Allowed(requester, p.Handle()), "value must live in the requester's runtime")

	granted, err := requesterRT.Allow(ctx, requester, p, requester)
	require.NoError(t, err)
	got, err := requesterRT.Reveal(ctx, requester, granted.Handle())
	require.NoError(t, err)

	seed := sha256.Sum256([]byte("secret" + string(id) + "dice"))
	assert.Equal(t, binary.BigEndian.Uint64(seed[:8]), got)

	// Another runtime cannot import it: the proof was made with the requester runtime's keys.
	_, err = NewClient(srv.URL, o.Address(), signer.PublicKey()).WithRuntime(localRT).FetchConfidentialRandomness(ctx, requester, id)
	assert.ErrorIs(t, err, fhe.ErrInvalidProof)
}
