package integrity

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm/integrity/pkg/halt"
)

// MaxEventsPerRead bounds a single /v1/ledger/events response.
const MaxEventsPerRead = 1000

// Handler serves the read-only ledger API used by helm-verify --api. Every
// response carries the system status headers; once ceased they never go away.
type Handler struct {
	core   *Core
	mux    *http.ServeMux
	logger *slog.Logger
}

func NewHandler(core *Core) *Handler {
	h := &Handler{
		core:   core,
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "integrity_http"),
	}
	h.mux.HandleFunc("GET /v1/ledger/head", h.handleHead)
	h.mux.HandleFunc("GET /v1/ledger/events", h.handleEvents)
	h.mux.HandleFunc("GET /v1/status", h.handleStatus)
	h.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return h
}

// ServeHTTP stamps the status headers before routing, so errors, health
// checks and unmatched routes carry them too.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header, err := h.core.halt.Status(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "flag state unavailable", "path", r.URL.Path, "error", err)
	}
	setStatusHeaders(w, header)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	resp, err := h.core.ReadHead(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Status, resp)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseSeq(q.Get("to"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		writeError(w, http.StatusBadRequest, "to must not be below from")
		return
	}
	if to == 0 || to-from+1 > MaxEventsPerRead {
		to = from + MaxEventsPerRead - 1
	}

	resp, err := h.core.ReadEvents(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Status, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.core.Status(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report.System, halt.ReadResponse[StatusReport]{Data: report, Status: report.System})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.logger.ErrorContext(r.Context(), "read failed", "path", r.URL.Path, "error", err)
	writeError(w, status, err.Error())
}

func parseSeq(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func setStatusHeaders(w http.ResponseWriter, header halt.StatusHeader) {
	for k, vals := range header.Headers() {
		w.Header()[k] = vals
	}
}

// writeJSON replaces the stamped headers with the ones read alongside v.
func writeJSON(w http.ResponseWriter, status int, header halt.StatusHeader, v any) {
	setStatusHeaders(w, header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
