package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"entropycalc/internal/fhe"
)

// Client is a Provider backed by a remote oracle server. Responses whose envelope signature
// does not verify against the oracle key are rejected.
//
// A remote oracle runs its own runtime, so its randomness arrives sealed. WithRuntime names the
// requester's runtime, which imports each sealed value by verifying its input proof.
type Client struct {
	baseURL string
	address string
	pub     *btcec.PublicKey
	http    *http.Client
	runtime fhe.Runtime
}

var _ Provider = (*Client)(nil)

// NewClient creates a client for the oracle at baseURL whose envelopes are signed by pub under
// sender id address.
func NewClient(baseURL, address string, pub *btcec.PublicKey) *Client {
	return &Client{
		baseURL: baseURL,
		address: address,
		pub:     pub,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithRuntime sets the runtime sealed randomness is imported into.
func (c *Client) WithRuntime(rt fhe.Runtime) *Client {
	c.runtime = rt
	return c
}

func (c *Client) Address() string { return c.address }

func (c *Client) CurrentFee(ctx context.Context) (Amount, error) {
	var out FeePayload
	if err := c.do(ctx, http.MethodGet, "/fee", nil, "", TypeFee, &out); err != nil {
		return 0, err
	}
	return out.Fee, nil
}

func (c *Client) RequestRandomness(ctx context.Context, requester fhe.Principal, tag string, payment Amount) (RequestID, error) {
	body := RequestBody{Requester: requester, Tag: tag, Payment: payment}
	var out StatusPayload
	if err := c.do(ctx, http.MethodPost, "/requests", body, "", TypeRequest, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("oracle: empty request id")
	}
	return out.ID, nil
}

func (c *Client) IsFulfilled(ctx context.Context, id RequestID) (bool, error) {
	var out StatusPayload
	if err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, "", TypeStatus, &out); err != nil {
		return false, err
	}
	if out.ID != id {
		return false, fmt.Errorf("%w: status for %s answered with %s", ErrBadSignature, id, out.ID)
	}
	return out.Fulfilled, nil
}

func (c *Client) FetchConfidentialRandomness(ctx context.Context, requester fhe.Principal, id RequestID) (fhe.Pending, error) {
	var out RandomnessPayload
	if err := c.do(ctx, http.MethodGet, requestPath(id, "/randomness"), nil, requester, TypeRandomness, &out); err != nil {
		return fhe.Pending{}, err
	}
	if out.ID != id {
		return fhe.Pending{}, fmt.Errorf("%w: randomness for %s answered with %s", ErrBadSignature, id, out.ID)
	}
	if len(out.Input) == 0 {
		return fhe.PendingHandle(out.Handle), nil
	}

	if c.runtime == nil {
		return fhe.Pending{}, fmt.Errorf("%w: %s: client has no runtime", ErrSealedDelivery, id)
	}
	in, err := fhe.UnmarshalExternalInput(out.Input)
	if err != nil {
		return fhe.Pending{}, fmt.Errorf("oracle: randomness for %s: %w", id, err)
	}
	if in.Handle != out.Handle {
		return fhe.Pending{}, fmt.Errorf("%w: randomness for %s carries handle %s, sealed %s", ErrBadSignature, id, out.Handle, in.Handle)
	}
	p, err := c.runtime.Verify(ctx, requester, fhe.Principal(c.address), in, out.Proof)
	if err != nil {
		return fhe.Pending{}, fmt.Errorf("oracle: import randomness for %s: %w", id, err)
	}
	return p, nil
}

// Fulfill asks the remote oracle to fulfill id now.
func (c *Client) Fulfill(ctx context.Context, id RequestID) error {
	var out StatusPayload
	return c.do(ctx, http.MethodPost, requestPath(id, "/fulfill"), nil, "", TypeStatus, &out)
}

func requestPath(id RequestID, suffix string) string {
	return "/requests/" + url.PathEscape(string(id)) + suffix
}

var errorsByCode = map[string]error{
	"insufficient_payment": ErrInsufficientPayment,
	"unknown_request":      ErrUnknownRequest,
	"not_fulfilled":        ErrNotFulfilled,
	"already_fulfilled":    ErrAlreadyFulfilled,
	"wrong_requester":      ErrWrongRequester,
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, requester fhe.Principal, wantType string, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requester != "" {
		req.Header.Set(HeaderRequester, string(requester))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oracle %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("oracle %s %s: decode envelope (status %s): %w", method, path, resp.Status, err)
	}

	if env.Type == TypeError {
		var e ErrorPayload
		if err := Open(&env, c.pub, c.address, &e); err != nil {
			return err
		}
		if sentinel, ok := errorsByCode[e.Code]; ok {
			return fmt.Errorf("%w: %s", sentinel, e.Message)
		}
		return fmt.Errorf("oracle %s %s: %s: %s", method, path, e.Code, e.Message)
	}
	if env.Type != wantType {
		return fmt.Errorf("oracle %s %s: unexpected envelope type %q", method, path, env.Type)
	}
	return Open(&env, c.pub, c.address, out)
}
