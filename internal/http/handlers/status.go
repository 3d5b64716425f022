package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/prismcast/prismcast/internal/channels"
	"github.com/prismcast/prismcast/internal/supervisor"
	"github.com/prismcast/prismcast/internal/version"
)

// StatusHandler serves service status, channel line-up, and liveness.
type StatusHandler struct {
	sup       *supervisor.Supervisor
	registry  channels.Registry
	logger    *slog.Logger
	startTime time.Time
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(sup *supervisor.Supervisor, registry channels.Registry, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{
		sup:       sup,
		registry:  registry,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Routes registers the status routes.
func (h *StatusHandler) Routes(r chi.Router) {
	r.Get("/healthz", h.GetHealthz)
	r.Get("/api/status", h.GetStatus)
	r.Get("/api/channels", h.GetChannels)
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Status        string                    `json:"status"`
	Version       version.Info              `json:"version"`
	Uptime        string                    `json:"uptime"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	GoRoutines    int                       `json:"goroutines"`
	CPUCores      int                       `json:"cpu_cores"`
	Load1         float64                   `json:"load_1m"`
	MemoryUsedPct float64                   `json:"memory_used_pct"`
	Streams       []supervisor.StreamStatus `json:"streams"`
}

// GetHealthz answers liveness probes.
func (h *StatusHandler) GetHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus reports service and stream health.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(h.startTime)
	resp := StatusResponse{
		Status:        "ok",
		Version:       version.GetInfo(),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		GoRoutines:    runtime.NumGoroutine(),
		CPUCores:      runtime.NumCPU(),
		Streams:       h.sup.Status(),
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChannels lists the channel line-up.
func (h *StatusHandler) GetChannels(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("listing channels", slog.String("error", err.Error()))
		http.Error(w, "Listing channels failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
