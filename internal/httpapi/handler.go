package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/logging/channel"
)

const maxRequestBodyBytes = 2 << 20 // 2 MiB

// Channel is the part of *channel.Channel the HTTP surface drives.
type Channel interface {
	Enqueue(log *logging.Log, group string)
	HasGroup(name string) bool
	IsEnabled() bool
	SetEnabled(enabled bool)
	Clear(group string) error
	Status() ([]channel.GroupStatus, error)
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Enabled bool                  `json:"enabled"`
	Groups  []channel.GroupStatus `json:"groups"`
}

// Handler wires HTTP endpoints to a Channel.
type Handler struct {
	channel  Channel
	gatherer prometheus.Gatherer
	logger   logger.Logger
}

// NewHandler builds the HTTP handler set. A nil gatherer leaves /metrics
// unregistered.
func NewHandler(ch Channel, gatherer prometheus.Gatherer, logr logger.Logger) *Handler {
	if logr == nil {
		logr = logger.NewNop()
	}
	return &Handler{channel: ch, gatherer: gatherer, logger: logr}
}

// RegisterRoutes attaches the HTTP endpoints to the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/groups/{group}/logs", h.handleEnqueue)
	mux.HandleFunc("DELETE /v1/groups/{group}/logs", h.handleClear)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("POST /v1/enable", h.handleSetEnabled(true))
	mux.HandleFunc("POST /v1/disable", h.handleSetEnabled(false))
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if !h.channel.HasGroup(group) {
		http.Error(w, fmt.Sprintf("group %q not registered", group), http.StatusNotFound)
		return
	}
	if !h.channel.IsEnabled() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "channel disabled", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()

	logs, err := decodeLogs(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, l := range logs {
		h.channel.Enqueue(l, group)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if err := h.channel.Clear(group); err != nil {
		if errors.Is(err, channel.ErrGroupNotRegistered) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("failed to clear group", logger.F("group", group), logger.F("error", err))
		http.Error(w, "failed to clear group", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	groups, err := h.channel.Status()
	if err != nil {
		h.logger.Error("failed to read channel status", logger.F("error", err))
		http.Error(w, "failed to read status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Enabled: h.channel.IsEnabled(), Groups: groups})
}

func (h *Handler) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.channel.SetEnabled(enabled)
		h.logger.Info("channel state changed over http", logger.F("enabled", enabled))
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeLogs(body io.Reader) ([]*logging.Log, error) {
	decoder := json.NewDecoder(body)
	var logs []*logging.Log
	if err := decoder.Decode(&logs); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return nil, errors.New("invalid JSON payload: unexpected trailing data")
	}
	if len(logs) == 0 {
		return nil, errors.New("no logs provided")
	}
	for i, l := range logs {
		if l == nil {
			return nil, fmt.Errorf("log %d is null", i)
		}
		l.Type = strings.TrimSpace(l.Type)
		if l.Type == "" {
			return nil, fmt.Errorf("log %d missing type", i)
		}
		// The channel stamps toffset with the enqueue time.
		l.Toffset = 0
	}
	return logs, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
