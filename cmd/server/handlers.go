package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketarbiter/internal/arbiter"
	"marketarbiter/internal/cache"
	"marketarbiter/internal/logger"
	"marketarbiter/internal/provider"
	"marketarbiter/internal/registry"
)

// statusClientClosed is the nginx convention for a caller that went away.
const statusClientClosed = 499

type arbitrator interface {
	Arbitrate(ctx context.Context, req arbiter.Request) (*arbiter.Result, error)
	HealthSnapshot() map[string]registry.Health
	CacheStats() cache.Stats
}

type handlers struct {
	engine  arbitrator
	log     *logger.Entry
	timeout time.Duration
}

// arbitrateBody is the wire form of arbiter.Request.
type arbitrateBody struct {
	Symbol           string   `json:"symbol"`
	AssetType        string   `json:"asset_type"`
	Market           string   `json:"market"`
	DataType         string   `json:"data_type"`
	MaxAgeMs         int64    `json:"max_age_ms"`
	RequireProviders []string `json:"require_providers"`
	MergeStrategy    string   `json:"merge_strategy"`
	Fields           []string `json:"fields"`
}

func (b arbitrateBody) request() arbiter.Request {
	return arbiter.Request{
		Asset:            provider.Asset{Symbol: b.Symbol, Type: provider.AssetType(b.AssetType), Market: b.Market},
		DataType:         provider.DataType(b.DataType),
		MaxAge:           time.Duration(b.MaxAgeMs) * time.Millisecond,
		RequireProviders: b.RequireProviders,
		MergeStrategy:    arbiter.MergeStrategy(b.MergeStrategy),
		Fields:           b.Fields,
	}
}

type errorBody struct {
	Error     string            `json:"error"`
	RequestID string            `json:"request_id,omitempty"`
	Attempts  []arbiter.Attempt `json:"attempts,omitempty"`
}

func (h *handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/arbitrate", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.handleGetArbitrate(w, r)
		case http.MethodPost:
			h.handlePostArbitrate(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/providers/health", h.onlyGet(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": h.engine.HealthSnapshot()})
	}))
	mux.HandleFunc("/api/cache/stats", h.onlyGet(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, h.engine.CacheStats())
	}))
	return mux
}

func (h *handlers) onlyGet(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func (h *handlers) handleGetArbitrate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b := arbitrateBody{
		Symbol:           q.Get("symbol"),
		AssetType:        q.Get("asset_type"),
		Market:           q.Get("market"),
		DataType:         q.Get("data_type"),
		MergeStrategy:    q.Get("merge_strategy"),
		RequireProviders: splitCSV(q.Get("require_providers")),
		Fields:           splitCSV(q.Get("fields")),
	}
	if v := q.Get("max_age_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "max_age_ms must be an integer"})
			return
		}
		b.MaxAgeMs = ms
	}
	h.arbitrate(w, r, b)
}

func (h *handlers) handlePostArbitrate(w http.ResponseWriter, r *http.Request) {
	var b arbitrateBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	h.arbitrate(w, r, b)
}

func (h *handlers) arbitrate(w http.ResponseWriter, r *http.Request, b arbitrateBody) {
	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res, err := h.engine.Arbitrate(ctx, b.request())
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			h.log.WithError(err).WithFields(logger.Fields{"symbol": b.Symbol, "data_type": b.DataType}).Warn("arbitration failed")
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	var (
		noProvider *arbiter.NoProviderAvailableError
		allFailed  *arbiter.AllProvidersFailedError
		aborted    *arbiter.AbortedError
	)
	switch {
	case errors.Is(err, arbiter.ErrInvalidRequest):
		return http.StatusBadRequest, body
	case errors.As(err, &noProvider):
		body.RequestID = noProvider.RequestID
		return http.StatusServiceUnavailable, body
	case errors.As(err, &allFailed):
		body.RequestID = allFailed.RequestID
		body.Attempts = allFailed.Attempts
		return http.StatusBadGateway, body
	case errors.As(err, &aborted):
		body.RequestID = aborted.RequestID
		body.Attempts = aborted.Attempts
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, body
		}
		return statusClientClosed, body
	default:
		return http.StatusInternalServerError, body
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
