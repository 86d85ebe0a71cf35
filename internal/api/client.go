package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"entropycalc/internal/fhe"
)

// FetchProver builds a prover from the keys the daemon at baseURL publishes, and returns the
// engine principal inputs must be sealed for.
func FetchProver(ctx context.Context, hc *http.Client, baseURL string) (*fhe.Prover, fhe.Principal, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	base := strings.TrimRight(baseURL, "/")

	resp, err := get(ctx, hc, base+"/v1/runtime/network-key")
	if err != nil {
		return nil, "", err
	}
	var nk NetworkKeyResponse
	err = json.NewDecoder(resp.Body).Decode(&nk)
	resp.Body.Close()
	if err != nil {
		return nil, "", fmt.Errorf("decode network key: %w", err)
	}
	raw, err := hex.DecodeString(nk.NetworkKey)
	if err != nil {
		return nil, "", fmt.Errorf("decode network key: %w", err)
	}
	netKey, err := fhe.DecodeNetworkKey(raw)
	if err != nil {
		return nil, "", err
	}

	resp, err = get(ctx, hc, base+"/v1/runtime/proving-key")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	p, err := fhe.NewProverFromKeys(netKey, resp.Body)
	if err != nil {
		return nil, "", err
	}
	return p, nk.Engine, nil
}

// SealInitialize encrypts a and b as user for engine.
func SealInitialize(p *fhe.Prover, engine, user fhe.Principal, a, b uint64) (*InitializeRequest, error) {
	in1, proof1, err := p.Encrypt(a, engine, user)
	if err != nil {
		return nil, fmt.Errorf("seal first operand: %w", err)
	}
	in2, proof2, err := p.Encrypt(b, engine, user)
	if err != nil {
		return nil, fmt.Errorf("seal second operand: %w", err)
	}
	raw1, err := in1.Marshal()
	if err != nil {
		return nil, err
	}
	raw2, err := in2.Marshal()
	if err != nil {
		return nil, err
	}
	return &InitializeRequest{Input1: raw1, Proof1: proof1, Input2: raw2, Proof2: proof2}, nil
}

// Initialize posts req to the daemon at baseURL as user.
func Initialize(ctx context.Context, hc *http.Client, baseURL string, user fhe.Principal, req *InitializeRequest) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/engine/initialize", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set(HeaderPrincipal, string(user))
	resp, err := hc.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func get(ctx context.Context, hc *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	var e ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &e) == nil && e.Error.Code != "" {
		return fmt.Errorf("%s: %s (%s)", resp.Status, e.Error.Message, e.Error.Code)
	}
	return fmt.Errorf("%s", resp.Status)
}
