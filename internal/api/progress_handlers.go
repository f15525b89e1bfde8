package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ProgressHandler exposes read-only views of the running crawl.
type ProgressHandler struct {
	source ProgressSource
	quota  QuotaSource
	logger *zap.Logger
}

// NewProgressHandler wires the progress and quota sources. Either may be nil.
func NewProgressHandler(source ProgressSource, quota QuotaSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		source: source,
		quota:  quota,
		logger: logger,
	}
}

// Progress handles GET /v1/progress. It returns the crawl's running counters,
// or 503 when no crawl is attached.
func (h *ProgressHandler) Progress(w http.ResponseWriter, _ *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "no crawl attached")
		return
	}
	writeJSON(w, http.StatusOK, h.source.Progress())
}

type quotaDTO struct {
	Known     bool       `json:"known"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	InFlight  int        `json:"in_flight"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// RateLimit handles GET /v1/ratelimit.
func (h *ProgressHandler) RateLimit(w http.ResponseWriter, _ *http.Request) {
	if h.quota == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	st := h.quota.State()
	dto := quotaDTO{
		Known:     st.Known,
		Remaining: st.Remaining,
		Limit:     st.Limit,
		InFlight:  st.InFlight,
	}
	if !st.ResetAt.IsZero() {
		reset := st.ResetAt.UTC()
		dto.ResetAt = &reset
	}
	writeJSON(w, http.StatusOK, dto)
}
