package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/whisper-web/internal/engine"
	"github.com/snarg/whisper-web/internal/metrics"
)

// WhisperStatus is the pre-flight snapshot the browser polls before
// offering to start a job.
type WhisperStatus struct {
	WhisperInstalled bool     `json:"whisperInstalled"`
	WhisperPath      *string  `json:"whisperPath"`
	Platform         *string  `json:"platform"`
	AvailableModels  []string `json:"availableModels"`
	ModelsPath       string   `json:"modelsPath"`
}

// StatusHandler exposes the engine locator's findings. Read-only and
// uncached: every request probes the filesystem fresh, so it is safe to
// poll.
type StatusHandler struct {
	locator *engine.Locator
}

func NewStatusHandler(locator *engine.Locator) *StatusHandler {
	return &StatusHandler{locator: locator}
}

// Routes registers the status endpoint.
func (h *StatusHandler) Routes(r chi.Router) {
	r.Get("/api/whisper-status", h.Status)
}

// Status handles GET /api/whisper-status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := WhisperStatus{
		AvailableModels: h.locator.ListModels(),
		ModelsPath:      h.locator.ModelsDir(),
	}
	if st.AvailableModels == nil {
		st.AvailableModels = []string{}
	}
	if loc, ok := h.locator.Locate(); ok {
		st.WhisperInstalled = true
		st.WhisperPath = &loc.Path
		st.Platform = &loc.Platform
	}

	metrics.ModelsAvailable.Set(float64(len(st.AvailableModels)))
	WriteJSON(w, http.StatusOK, st)
}
