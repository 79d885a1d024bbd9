// Package natcustody is the NAT transfer boundary at claim time: an
// interface plus an HTTP client modeled on the teacher's httpapi.Client,
// and an in-memory ledger fake for tests.
package natcustody

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
	ErrInvalidClientConfig = errors.New("natcustody: invalid client config")
	ErrInsufficientBalance = errors.New("natcustody: insufficient custodied balance")
	ErrTransferRefused     = errors.New("natcustody: recipient refused transfer")
)

// Custody transfers locked NAT to a claim recipient.
type Custody interface {
	Transfer(ctx context.Context, recipient [20]byte, amount *big.Int) error
}

// TransferRequest is the request body for POST /v1/transfer.
type TransferRequest struct {
	Recipient string `json:"recipient"`
	AmountWei string `json:"amount_wei"`
}

// TransferResponse is the response body for POST /v1/transfer.
type TransferResponse struct {
	TxHash   string `json:"tx_hash"`
	Accepted bool   `json:"accepted"`
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client talks to an external NAT custody service over HTTP.
type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20,
	}
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

func (c *Client) Transfer(ctx context.Context, recipient [20]byte, amount *big.Int) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/transfer")

	b, err := json.Marshal(TransferRequest{
		Recipient: fmt.Sprintf("0x%x", recipient),
		AmountWei: amount.String(),
	})
	if err != nil {
		return fmt.Errorf("natcustody: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("natcustody: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("natcustody: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("natcustody: status %d: %s", resp.StatusCode, msg)
	}

	var out TransferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("natcustody: unmarshal response: %w", err)
	}
	if !out.Accepted {
		return ErrTransferRefused
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("natcustody: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("natcustody: response too large")
	}
	return b, nil
}

// Ledger is an in-memory Custody fake for tests: NAT locked by Deposit
// and decremented on Transfer, failing if the balance is insufficient.
type Ledger struct {
	mu      sync.Mutex
	balance *big.Int
	refuse  map[[20]byte]bool
}

func NewLedger() *Ledger {
	return &Ledger{balance: new(big.Int)}
}

// Deposit credits the custodial pool, mirroring locked_nat increasing at finalize.
func (l *Ledger) Deposit(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = new(big.Int).Add(l.balance, amount)
}

// Refuse makes Transfer to recipient fail, for exercising rollback paths.
func (l *Ledger) Refuse(recipient [20]byte, refuse bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse == nil {
		l.refuse = make(map[[20]byte]bool)
	}
	l.refuse[recipient] = refuse
}

func (l *Ledger) Transfer(_ context.Context, recipient [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse[recipient] {
		return ErrTransferRefused
	}
	if l.balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.balance = new(big.Int).Sub(l.balance, amount)
	return nil
}

func (l *Ledger) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance)
}
