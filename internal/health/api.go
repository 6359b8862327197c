package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type Api struct {
	statusService *Service
}

func NewApi(statusService *Service) *Api {
	return &Api{
		statusService: statusService,
	}
}

func (api *Api) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", api.GetHealth)
	mux.HandleFunc("/ready", api.GetReady)
}

// GetHealth is the liveness probe.
func (api *Api) GetHealth(w http.ResponseWriter, r *http.Request) {
	if api.statusService.IsShuttingDown() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting down",
		})
		return
	}

	writeStatus(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// GetReady runs the registered checks.
func (api *Api) GetReady(w http.ResponseWriter, r *http.Request) {
	if api.statusService.IsShuttingDown() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting down",
		})
		return
	}

	checks, healthy := api.statusService.Run(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeStatus(w, status, checks)
}

func writeStatus(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode health response", "err", err)
	}
}
