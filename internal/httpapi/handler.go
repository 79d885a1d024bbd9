// Package httpapi is the unrouted net/http surface over the withdrawal
// queue aggregate: enqueue, checkpoint-hint lookup, claim, and status,
// matching the plain http.HandlerFunc style of the teacher's bridge API
// rather than pulling in a router library.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nova-stake/withdrawal-queue/internal/authz"
	"github.com/nova-stake/withdrawal-queue/internal/checkpointhistory"
	"github.com/nova-stake/withdrawal-queue/internal/claims"
	"github.com/nova-stake/withdrawal-queue/internal/reqbook"
	"github.com/nova-stake/withdrawal-queue/internal/withdrawalqueue"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

// Queue is the subset of withdrawalqueue.Queue the HTTP surface drives.
type Queue interface {
	Enqueue(ctx context.Context, owner [20]byte, stk *big.Int, now time.Time) (uint64, error)
	FindCheckpointHint(ctx context.Context, requestID, start, end uint64) (uint64, error)
	Claim(ctx context.Context, requestID, hint uint64, caller, recipient [20]byte) (*big.Int, error)
	Status(ctx context.Context, requestID uint64) (withdrawalqueue.Status, error)
}

type Config struct {
	Now func() time.Time
}

func NewHandler(cfg Config, queue Queue, log *slog.Logger) (http.Handler, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: nil queue", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{cfg: cfg, queue: queue, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /v1/withdrawals", h.handleEnqueue)
	mux.HandleFunc("GET /v1/withdrawals/{id}", h.handleStatus)
	mux.HandleFunc("GET /v1/checkpoints/hint", h.handleFindHint)
	mux.HandleFunc("POST /v1/withdrawals/{id}/claim", h.handleClaim)
	return mux, nil
}

type handler struct {
	cfg   Config
	queue Queue
	log   *slog.Logger
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type enqueueRequestBody struct {
	Owner string `json:"owner"`
	STK   string `json:"stk"`
}

func (h *handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[enqueueRequestBody](w, r)
	if !ok {
		return
	}
	owner, err := parseAddress(body.Owner)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_owner"))
		return
	}
	stk, ok := parseBigInt(body.STK)
	if !ok || stk.Sign() <= 0 {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_stk"))
		return
	}

	id, err := h.queue.Enqueue(r.Context(), owner, stk, h.cfg.Now().UTC())
	if err != nil {
		h.log.Error("enqueue", "err", err)
		writeJSON(w, http.StatusBadRequest, errBody("enqueue_failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"id":      id,
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_id"))
		return
	}

	st, err := h.queue.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, reqbook.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errBody("not_found"))
			return
		}
		h.log.Error("status", "err", err, "id", id)
		writeJSON(w, http.StatusInternalServerError, errBody("internal"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"id":        st.ID,
		"stk":       st.STK.String(),
		"shares":    st.Shares.String(),
		"owner":     "0x" + hex.EncodeToString(st.Owner[:]),
		"createdAt": st.CreatedAt.UTC().Format(time.RFC3339),
		"reportAt":  st.ReportAt.UTC().Format(time.RFC3339),
		"finalized": st.Finalized,
		"claimed":   st.Claimed,
	})
}

func (h *handler) handleFindHint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requestID, err1 := strconv.ParseUint(q.Get("requestId"), 10, 64)
	start, err2 := strconv.ParseUint(q.Get("start"), 10, 64)
	end, err3 := strconv.ParseUint(q.Get("end"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_range"))
		return
	}

	hint, err := h.queue.FindCheckpointHint(r.Context(), requestID, start, end)
	if err != nil {
		if errors.Is(err, checkpointhistory.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, errBody("invalid_range"))
			return
		}
		h.log.Error("find checkpoint hint", "err", err)
		writeJSON(w, http.StatusInternalServerError, errBody("internal"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"hint":    hint,
	})
}

type claimRequestBody struct {
	Hint      uint64 `json:"hint"`
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_id"))
		return
	}
	body, ok := decodeJSONBody[claimRequestBody](w, r)
	if !ok {
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_caller"))
		return
	}
	recipient, err := parseAddress(body.Recipient)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_recipient"))
		return
	}

	payout, err := h.queue.Claim(r.Context(), id, body.Hint, caller, recipient)
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrUnknownRequest), errors.Is(err, claims.ErrNotFinalized):
			writeJSON(w, http.StatusNotFound, errBody("not_claimable"))
		case errors.Is(err, claims.ErrAlreadyClaimed):
			writeJSON(w, http.StatusConflict, errBody("already_claimed"))
		case errors.Is(err, claims.ErrWrongOwner):
			writeJSON(w, http.StatusForbidden, errBody("wrong_owner"))
		case errors.Is(err, claims.ErrInvalidHint):
			writeJSON(w, http.StatusBadRequest, errBody("invalid_hint"))
		case errors.Is(err, authz.ErrForbidden):
			writeJSON(w, http.StatusForbidden, errBody("forbidden"))
		default:
			h.log.Error("claim", "err", err, "id", id)
			writeJSON(w, http.StatusBadRequest, errBody("claim_failed"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"payout":  payout.String(),
	})
}

func errBody(code string) map[string]any {
	return map[string]any{"version": "v1", "error": code}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid_json"))
		return out, false
	}
	return out, true
}

func parseAddress(s string) ([20]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	var out [20]byte
	if len(s) != 40 {
		return out, fmt.Errorf("httpapi: address must be 20 bytes hex, got len %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("httpapi: decode address: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

func parseBigInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
