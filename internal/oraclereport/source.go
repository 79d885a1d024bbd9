package oraclereport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidSourceConfig = errors.New("oraclereport: invalid source config")

// ErrNoReport signals the oracle has not yet published a report to act on.
var ErrNoReport = errors.New("oraclereport: no pending report")

// Pending bundles a submitted report with the operator signatures over its digest.
type Pending struct {
	Report     Report
	Signatures [][]byte
}

// Source fetches the oracle's most recently submitted, not-yet-finalized
// report, the external collaborator spec.md §6 calls the "periodic
// submission of (max_share_rate, max_timestamp, batches, amount_to_lock)".
type Source interface {
	FetchLatest(ctx context.Context) (Pending, error)
}

type fetchLatestResponse struct {
	MaxShareRate  string   `json:"maxShareRate"`
	MaxTimestamp  int64    `json:"maxTimestamp"`
	Batches       []uint64 `json:"batches"`
	AmountToLock  string   `json:"amountToLock"`
	ReportAt      int64    `json:"reportAt"`
	ChainID       uint64   `json:"chainId"`
	QueueContract string   `json:"queueContract"`
	Signatures    []string `json:"signatures"`
	Available     bool     `json:"available"`
}

// HTTPSource polls an external oracle service over HTTP, modeled on the
// bearer-auth JSON request/response shape of natcustody.Client.
type HTTPSource struct {
	baseURL   *url.URL
	authToken string
	hc        *http.Client
}

func NewHTTPSource(baseURL, authToken string) (*HTTPSource, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidSourceConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidSourceConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceConfig, u.Scheme)
	}
	return &HTTPSource{baseURL: u, authToken: authToken, hc: &http.Client{Timeout: 15 * time.Second}}, nil
}

func (s *HTTPSource) FetchLatest(ctx context.Context) (Pending, error) {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/reports/latest"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Pending{}, fmt.Errorf("oraclereport: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return Pending{}, fmt.Errorf("oraclereport: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Pending{}, fmt.Errorf("oraclereport: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Pending{}, fmt.Errorf("oraclereport: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out fetchLatestResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Pending{}, fmt.Errorf("oraclereport: unmarshal response: %w", err)
	}
	if !out.Available {
		return Pending{}, ErrNoReport
	}

	rate, ok := new(big.Int).SetString(out.MaxShareRate, 10)
	if !ok {
		return Pending{}, fmt.Errorf("oraclereport: malformed maxShareRate %q", out.MaxShareRate)
	}
	amount, ok := new(big.Int).SetString(out.AmountToLock, 10)
	if !ok {
		return Pending{}, fmt.Errorf("oraclereport: malformed amountToLock %q", out.AmountToLock)
	}
	if !common.IsHexAddress(out.QueueContract) {
		return Pending{}, fmt.Errorf("oraclereport: malformed queueContract %q", out.QueueContract)
	}

	sigs := make([][]byte, 0, len(out.Signatures))
	for i, s := range out.Signatures {
		s = strings.TrimPrefix(s, "0x")
		b, err := decodeHexStrict(s)
		if err != nil {
			return Pending{}, fmt.Errorf("oraclereport: decode signature %d: %w", i, err)
		}
		sigs = append(sigs, b)
	}

	return Pending{
		Report: Report{
			MaxShareRate:  rate,
			MaxTimestamp:  time.Unix(out.MaxTimestamp, 0).UTC(),
			Batches:       out.Batches,
			AmountToLock:  amount,
			ReportAt:      time.Unix(out.ReportAt, 0).UTC(),
			ChainID:       out.ChainID,
			QueueContract: common.HexToAddress(out.QueueContract),
		},
		Signatures: sigs,
	}, nil
}

func decodeHexStrict(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
