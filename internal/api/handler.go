// Package api provides the HTTP API handlers and routing for the tender jobs service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenderd/internal/apperrors"
	"tenderd/internal/health"
	"tenderd/internal/job"
	"tenderd/internal/keystore"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs   *job.Manager
	keys   *keystore.Store
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs *job.Manager, keys *keystore.Store, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:   jobs,
		keys:   keys,
		health: healthChecker,
	}
}

type createJobRequest struct {
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload"`
	BuildArtifact bool           `json:"build_artifact"`
	CallbackURL   string         `json:"callback_url"`
	CallbackKey   string         `json:"callback_key"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	view, err := h.jobs.Create(r.Context(), job.CreateRequest{
		Action:        req.Action,
		Payload:       req.Payload,
		BuildArtifact: req.BuildArtifact,
		CallbackURL:   req.CallbackURL,
		CallbackKey:   req.CallbackKey,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, view)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": h.jobs.List()})
}

// GetJob handles GET /v1/jobs/{jobID}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	view, err := h.jobs.Get(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

type captchaRequest struct {
	ChallengeID string `json:"challenge_id"`
	Value       string `json:"value"`
}

// SubmitCaptcha handles POST /v1/jobs/{jobID}/captcha
func (h *Handler) SubmitCaptcha(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req captchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Value == "" {
		h.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	accepted, err := h.jobs.SubmitCaptcha(jobID, req.ChallengeID, req.Value)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !accepted {
		h.writeError(w, http.StatusBadRequest, "challenge mismatched or expired")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// DownloadArtifact handles GET /v1/jobs/{jobID}/artifact
func (h *Handler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	path, err := h.jobs.ArtifactPath(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if path == "" {
		h.handleError(w, r, apperrors.NotFound("artifact", jobID))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.zip"`)
	http.ServeFile(w, r, path)
}

// ListKeys handles GET /v1/admin/keys
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := h.keys.List()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": recs})
}

type issueKeyRequest struct {
	Label string `json:"label"`
}

// IssueKey handles POST /v1/admin/keys.
// The plaintext secret appears in this response and nowhere else.
func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Label == "" {
		h.writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	issued, err := h.keys.Issue(req.Label)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, issued)
}

// RotateKey handles POST /v1/admin/keys/{keyID}/rotate
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")

	issued, err := h.keys.Rotate(keyID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, issued)
}

// RevokeKey handles DELETE /v1/admin/keys/{keyID}
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")

	found, err := h.keys.Revoke(keyID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !found {
		h.handleError(w, r, apperrors.NotFound("key", keyID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (portal session, key store) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
