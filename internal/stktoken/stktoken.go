// Package stktoken is the external collaborator interface spec.md §6
// fixes for the liquid-staking token: share/token conversion and the
// custody transfer/burn pair invoked at enqueue and finalize.
package stktoken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidConfig       = errors.New("stktoken: invalid config")
	ErrInsufficientBalance = errors.New("stktoken: insufficient balance")
)

// Token is the STK token's share-bookkeeping surface as consumed by the
// withdrawal queue.
type Token interface {
	// SharesToTokens converts a share amount to its current STK value.
	SharesToTokens(ctx context.Context, shares *big.Int) (*big.Int, error)
	// TokensToShares converts an STK amount to its current share value.
	TokensToShares(ctx context.Context, tokens *big.Int) (*big.Int, error)
	// TransferToCustody moves stk STK from owner into queue custody on enqueue.
	TransferToCustody(ctx context.Context, owner [20]byte, stk *big.Int) (shares *big.Int, err error)
	// Burn destroys shares from queue custody on finalize.
	Burn(ctx context.Context, shares *big.Int) error
	// TotalPooled returns the token's current total pooled NAT, the
	// pre-report baseline the rebase limiter measures growth against.
	TotalPooled(ctx context.Context) (*big.Int, error)
	// TotalShares returns the token's current total share supply.
	TotalShares(ctx context.Context) (*big.Int, error)
}

// Fake is a deterministic in-memory Token for tests: a fixed share rate,
// unless set otherwise, and a simple per-owner balance ledger.
type Fake struct {
	mu        sync.Mutex
	shareRate *big.Int // STK per share, scaled by E27
	balances  map[[20]byte]*big.Int
	custody   *big.Int
}

func NewFake(shareRateE27 *big.Int) (*Fake, error) {
	if shareRateE27 == nil || shareRateE27.Sign() <= 0 {
		return nil, fmt.Errorf("%w: share rate must be > 0", ErrInvalidConfig)
	}
	return &Fake{
		shareRate: new(big.Int).Set(shareRateE27),
		balances:  make(map[[20]byte]*big.Int),
		custody:   new(big.Int),
	}, nil
}

// Credit gives owner an STK balance, for test setup.
func (f *Fake) Credit(owner [20]byte, stk *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[owner]
	if !ok {
		bal = new(big.Int)
	}
	f.balances[owner] = new(big.Int).Add(bal, stk)
}

// SetShareRate updates the fake oracle rate used for conversions.
func (f *Fake) SetShareRate(shareRateE27 *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareRate = new(big.Int).Set(shareRateE27)
}

const e27Exp = 27

func (f *Fake) e27() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(e27Exp), nil)
}

func (f *Fake) SharesToTokens(_ context.Context, shares *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	num := new(big.Int).Mul(shares, f.shareRate)
	return num.Quo(num, f.e27()), nil
}

func (f *Fake) TokensToShares(_ context.Context, tokens *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	num := new(big.Int).Mul(tokens, f.e27())
	return num.Quo(num, f.shareRate), nil
}

func (f *Fake) TransferToCustody(_ context.Context, owner [20]byte, stk *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bal, ok := f.balances[owner]
	if !ok || bal.Cmp(stk) < 0 {
		return nil, ErrInsufficientBalance
	}
	f.balances[owner] = new(big.Int).Sub(bal, stk)

	shares := new(big.Int).Mul(stk, f.e27())
	shares.Quo(shares, f.shareRate)
	f.custody = new(big.Int).Add(f.custody, shares)
	return shares, nil
}

func (f *Fake) Burn(_ context.Context, shares *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.custody.Cmp(shares) < 0 {
		return ErrInsufficientBalance
	}
	f.custody = new(big.Int).Sub(f.custody, shares)
	return nil
}

func (f *Fake) TotalPooled(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	custody := new(big.Int).Set(f.custody)
	f.mu.Unlock()
	return f.SharesToTokens(ctx, custody)
}

func (f *Fake) TotalShares(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.custody), nil
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

// Client talks to an external STK token service over HTTP: the contract
// deployment backing share/token conversion and the custody transfer/burn
// pair, fronted the same way natcustody.Client fronts NAT transfers.
type Client struct {
	baseURL   *url.URL
	authToken string
	hc        *http.Client
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	c := &Client{baseURL: u, authToken: authToken, hc: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type rateQuoteResponse struct {
	Amount string `json:"amount"`
}

func (c *Client) SharesToTokens(ctx context.Context, shares *big.Int) (*big.Int, error) {
	return c.quote(ctx, "/v1/shares-to-tokens", shares)
}

func (c *Client) TokensToShares(ctx context.Context, tokens *big.Int) (*big.Int, error) {
	return c.quote(ctx, "/v1/tokens-to-shares", tokens)
}

func (c *Client) quote(ctx context.Context, endpoint string, amount *big.Int) (*big.Int, error) {
	var out rateQuoteResponse
	if err := c.postJSON(ctx, endpoint, map[string]string{"amount": amount.String()}, &out); err != nil {
		return nil, err
	}
	result, ok := new(big.Int).SetString(out.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("stktoken: malformed amount %q", out.Amount)
	}
	return result, nil
}

type transferToCustodyResponse struct {
	Shares string `json:"shares"`
}

func (c *Client) TransferToCustody(ctx context.Context, owner [20]byte, stk *big.Int) (*big.Int, error) {
	var out transferToCustodyResponse
	req := map[string]string{"owner": fmt.Sprintf("0x%x", owner), "stk": stk.String()}
	if err := c.postJSON(ctx, "/v1/transfer-to-custody", req, &out); err != nil {
		return nil, err
	}
	shares, ok := new(big.Int).SetString(out.Shares, 10)
	if !ok {
		return nil, fmt.Errorf("stktoken: malformed shares %q", out.Shares)
	}
	return shares, nil
}

func (c *Client) Burn(ctx context.Context, shares *big.Int) error {
	return c.postJSON(ctx, "/v1/burn", map[string]string{"shares": shares.String()}, nil)
}

type totalsResponse struct {
	Amount string `json:"amount"`
}

func (c *Client) TotalPooled(ctx context.Context) (*big.Int, error) {
	return c.totals(ctx, "/v1/total-pooled")
}

func (c *Client) TotalShares(ctx context.Context) (*big.Int, error) {
	return c.totals(ctx, "/v1/total-shares")
}

func (c *Client) totals(ctx context.Context, endpoint string) (*big.Int, error) {
	var out totalsResponse
	if err := c.postJSON(ctx, endpoint, map[string]string{}, &out); err != nil {
		return nil, err
	}
	result, ok := new(big.Int).SetString(out.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("stktoken: malformed amount %q", out.Amount)
	}
	return result, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("stktoken: marshal request: %w", err)
	}

	u := *c.baseURL
	u.Path = path.Join(u.Path, endpoint)

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("stktoken: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("stktoken: http do: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("stktoken: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("stktoken: status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("stktoken: unmarshal response: %w", err)
	}
	return nil
}
