package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gateway-fm/cfdi-descarga/internal/job"
	"github.com/gateway-fm/cfdi-descarga/internal/sat"
)

// AdminKeyCredential is the credentials table key of the bcrypt-hashed admin
// API key.
const AdminKeyCredential = "admin_api_key"

const (
	attemptPause  = "pause"
	attemptResume = "resume"

	// toggleThreshold authorized requests within toggleWindow pause or resume
	// the scheduler.
	toggleThreshold = 3
	toggleWindow    = time.Minute
)

// APIServer handles HTTP requests.
type APIServer struct {
	service   *job.Service
	db        job.Db
	endpoints sat.Endpoints
}

// NewAPIServer creates a new API server.
func NewAPIServer(service *job.Service, db job.Db, endpoints sat.Endpoints) *APIServer {
	return &APIServer{service: service, db: db, endpoints: endpoints}
}

// RegisterHandlers registers the HTTP handlers.
func (s *APIServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.viewJobs)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("POST /jobs", s.submitJob)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.retryJob)
	mux.HandleFunc("POST /companies", s.setCompany)
	mux.HandleFunc("GET /config", s.viewConfig)
	mux.HandleFunc("POST /config", s.updateConfig)
	mux.HandleFunc("POST /scheduler/pause", s.handlePause)
	mux.HandleFunc("POST /scheduler/resume", s.handleResume)
	mux.HandleFunc("GET /self-check", s.selfCheck)
}

type submitJobRequest struct {
	OwnerRef   string `json:"owner_ref"`
	CompanyRef string `json:"company_ref"`
	Direction  string `json:"direction"`
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
}

func (r submitJobRequest) toSubmit() (job.SubmitRequest, error) {
	from, err := time.Parse(time.DateOnly, r.DateFrom)
	if err != nil {
		return job.SubmitRequest{}, fmt.Errorf("%w: date_from must be YYYY-MM-DD", job.ErrInvalidRequest)
	}
	to, err := time.Parse(time.DateOnly, r.DateTo)
	if err != nil {
		return job.SubmitRequest{}, fmt.Errorf("%w: date_to must be YYYY-MM-DD", job.ErrInvalidRequest)
	}
	return job.SubmitRequest{
		OwnerRef:   r.OwnerRef,
		CompanyRef: r.CompanyRef,
		Direction:  sat.Direction(strings.ToLower(strings.TrimSpace(r.Direction))),
		DateFrom:   from,
		DateTo:     to,
	}, nil
}

// JobView is a job as served to clients, with stage durations flattened.
type JobView struct {
	job.RetrievalJob
	AuthMs     *int64 `json:"auth_ms,omitempty"`
	RequestMs  *int64 `json:"request_ms,omitempty"`
	VerifyMs   *int64 `json:"verify_ms,omitempty"`
	DownloadMs *int64 `json:"download_ms,omitempty"`
}

func NewJobView(j job.RetrievalJob) JobView {
	v := JobView{RetrievalJob: j}
	stageMs := func(s job.Stage) *int64 {
		if ms, ok := j.StageMs(s); ok {
			return &ms
		}
		return nil
	}
	v.AuthMs = stageMs(job.StageAuth)
	v.RequestMs = stageMs(job.StageRequest)
	v.VerifyMs = stageMs(job.StageVerify)
	v.DownloadMs = stageMs(job.StageDownload)
	return v
}

func (s *APIServer) submitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req, err := body.toSubmit()
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.service.SubmitJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "state": string(job.StateQueued)})
}

func (s *APIServer) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.service.GetJobStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(j))
}

func (s *APIServer) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.ListFilter{}
	for _, st := range r.URL.Query()["state"] {
		filter.States = append(filter.States, job.State(st))
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	jobs, err := s.service.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *APIServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.CancelJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel requested"})
}

func (s *APIServer) retryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.RetryJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(job.StateQueued)})
}

func (s *APIServer) setCompany(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerRef   string `json:"owner_ref"`
		CompanyRef string `json:"company_ref"`
		RFC        string `json:"rfc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.service.SetCompanyRFC(r.Context(), body.OwnerRef, body.CompanyRef, body.RFC); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) viewConfig(w http.ResponseWriter, r *http.Request) {
	codes, err := s.db.GetConfigValue(job.ConfigFallbackCodes)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get config: %v", err), http.StatusInternalServerError)
		return
	}
	active, err := s.db.GetSchedulerStatus()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get scheduler status: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		job.ConfigFallbackCodes: splitCodes(codes),
		"scheduler_active":      active,
	})
}

func (s *APIServer) updateConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	var body struct {
		FallbackCodes []string `json:"fallback_codes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	codes := make([]string, 0, len(body.FallbackCodes))
	for _, c := range body.FallbackCodes {
		c = strings.TrimSpace(c)
		if c == "" || strings.Contains(c, ",") {
			http.Error(w, fmt.Sprintf("invalid fallback code %q", c), http.StatusBadRequest)
			return
		}
		codes = append(codes, c)
	}

	if err := s.db.SetConfigValue(job.ConfigFallbackCodes, strings.Join(codes, ",")); err != nil {
		slog.Error("failed to update fallback codes", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	slog.Info("fallback codes updated", "codes", codes)
	writeJSON(w, http.StatusOK, map[string]any{job.ConfigFallbackCodes: codes})
}

func (s *APIServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.toggleScheduler(w, r, attemptPause, false)
}

func (s *APIServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.toggleScheduler(w, r, attemptResume, true)
}

// toggleScheduler flips the scheduler once enough authorized requests arrive
// within the window.
func (s *APIServer) toggleScheduler(w http.ResponseWriter, r *http.Request, attemptType string, active bool) {
	if !s.authorize(w, r) {
		return
	}

	// Record the attempt
	if err := s.db.RecordSchedulerAttempt(attemptType); err != nil {
		slog.Error("error recording scheduler attempt", "type", attemptType, "err", err)
	}

	// Clean up old attempts (older than 5 minutes)
	if err := s.db.CleanupOldSchedulerAttempts(5 * time.Minute); err != nil {
		slog.Error("error cleaning up old scheduler attempts", "err", err)
	}

	count, err := s.db.GetRecentSchedulerAttempts(attemptType, toggleWindow)
	if err != nil {
		slog.Error("error checking recent scheduler attempts", "type", attemptType, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if count >= toggleThreshold {
		if err := s.db.SetSchedulerStatus(active); err != nil {
			slog.Error("setting scheduler status", "err", err)
			http.Error(w, "failed to update scheduler", http.StatusInternalServerError)
			return
		}

		slog.Info("scheduler status changed", "active", active)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           attemptType + "d",
			"scheduler_active": active,
		})
		return
	}

	// Not enough attempts yet
	remaining := toggleThreshold - count
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "attempt recorded",
		"attempts":           count,
		"attempts_remaining": remaining,
		"message":            fmt.Sprintf("Need %d more attempts within 1 minute to %s the scheduler", remaining, attemptType),
	})
}

// authorize checks the admin key from the X-API-Key header or the key query
// parameter against the stored bcrypt hash.
func (s *APIServer) authorize(w http.ResponseWriter, r *http.Request) bool {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("key")
	}
	if apiKey == "" {
		http.Error(w, "missing API key", http.StatusUnauthorized)
		return false
	}

	hash, err := s.db.GetCredential(AdminKeyCredential)
	if err != nil {
		slog.Error("retrieving admin API key", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return false
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) != nil {
		http.Error(w, "invalid API key", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *APIServer) selfCheck(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{
		"endpoints": map[string]string{
			"auth":     s.endpoints.Auth,
			"request":  s.endpoints.Request,
			"verify":   s.endpoints.Verify,
			"download": s.endpoints.Download,
		},
	}
	status := http.StatusOK

	if err := s.db.Ping(r.Context()); err != nil {
		result["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		result["database"] = "ok"
	}

	if active, err := s.db.GetSchedulerStatus(); err != nil {
		result["scheduler"] = err.Error()
		status = http.StatusServiceUnavailable
	} else if active {
		result["scheduler"] = "active"
	} else {
		result["scheduler"] = "paused"
	}

	if codes, err := s.db.GetConfigValue(job.ConfigFallbackCodes); err == nil {
		result[job.ConfigFallbackCodes] = splitCodes(codes)
	}

	writeJSON(w, status, result)
}

var dashboard = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"ms": func(p *int64) string {
		if p == nil {
			return "-"
		}
		return (time.Duration(*p) * time.Millisecond).String()
	},
}).Parse(dashboardTpl))

type stateCount struct {
	State job.State
	Count int
}

func (s *APIServer) viewJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context(), job.ListFilter{})
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get jobs: %v", err), http.StatusInternalServerError)
		return
	}
	// newest first
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })

	schedulerActive, err := s.db.GetSchedulerStatus()
	if err != nil {
		slog.Error("failed to get scheduler status", "err", err)
		schedulerActive = true
	}
	codes, err := s.db.GetConfigValue(job.ConfigFallbackCodes)
	if err != nil {
		slog.Error("failed to get fallback codes", "err", err)
	}
	counts, err := s.db.CountJobsByState(r.Context())
	if err != nil {
		slog.Error("failed to count jobs", "err", err)
	}

	var byState []stateCount
	for _, st := range []job.State{job.StateQueued, job.StateRunning, job.StateVerifying, job.StateSuccess, job.StateError} {
		byState = append(byState, stateCount{State: st, Count: counts[st]})
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}

	data := struct {
		CurrentTime     string
		SchedulerActive bool
		FallbackCodes   []string
		Counts          []stateCount
		Jobs            []JobView
	}{
		CurrentTime:     time.Now().Format("2006-01-02 15:04:05"),
		SchedulerActive: schedulerActive,
		FallbackCodes:   splitCodes(codes),
		Counts:          byState,
		Jobs:            views,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboard.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
	}
}

func splitCodes(value string) []string {
	codes := []string{}
	for _, c := range strings.Split(value, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidRequest), errors.Is(err, job.ErrInvalidRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, job.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, job.ErrNotRetryable), errors.Is(err, job.ErrConcurrentModification):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
