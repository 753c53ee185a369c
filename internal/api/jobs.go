package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
	"github.com/adverant/nexus/ocr-orchestrator/internal/recommend"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// SubmitResponse lists the created jobs. Error is set when some jobs were
// rejected at routing; those are returned in failed state.
type SubmitResponse struct {
	Jobs  []*models.OcrJob `json:"jobs"`
	Error string           `json:"error,omitempty"`
}

// SubmitJobs creates one job per file and schedules the routable ones
func (h *Handler) SubmitJobs(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	client := clientInfo(r)
	req.Client = client

	jobs, err := h.deps.Orchestrator.Submit(r.Context(), req)
	if len(jobs) == 0 {
		h.sendServiceError(w, "failed to submit jobs", err)
		return
	}

	status := http.StatusAccepted
	response := SubmitResponse{Jobs: jobs}
	if err != nil {
		response.Error = err.Error()
		status = http.StatusMultiStatus
	}

	var scheduleErrs []error
	for _, job := range jobs {
		if job.Status != models.StatusPending {
			continue
		}
		if serr := h.deps.Scheduler.Schedule(r.Context(), job.ID, client); serr != nil {
			h.logger.Error("Failed to schedule job", "jobId", job.ID, "error", serr)
			scheduleErrs = append(scheduleErrs, serr)
		}
	}
	if len(scheduleErrs) > 0 {
		h.sendError(w, http.StatusServiceUnavailable, "jobs created but not scheduled", errors.Join(scheduleErrs...))
		return
	}

	h.sendJSON(w, status, response)
}

// ListJobs returns jobs filtered by user_id, status and limit
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		UserID: q.Get("user_id"),
		Status: models.JobStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.sendError(w, http.StatusBadRequest, "unknown status", nil)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.sendError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.deps.Orchestrator.Jobs(r.Context(), filter)
	if err != nil {
		h.sendServiceError(w, "failed to list jobs", err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// GetJob returns one job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Orchestrator.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendServiceError(w, "failed to get job", err)
		return
	}
	h.sendJSON(w, http.StatusOK, job)
}

// GetPages returns the stored pages of a job
func (h *Handler) GetPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.deps.Orchestrator.Pages(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendServiceError(w, "failed to get pages", err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"pages": pages, "count": len(pages)})
}

// CancelJob stops a job
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Orchestrator.Cancel(r.Context(), id); err != nil {
		h.sendServiceError(w, "failed to cancel job", err)
		return
	}
	h.sendJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// DeleteJob removes a job and its pages
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Orchestrator.DeleteJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.sendServiceError(w, "failed to delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAuditTrail returns the audit rows of a job
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Audit.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendServiceError(w, "failed to list audit log", err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// RecommendRequest is the body of POST /recommend
type RecommendRequest struct {
	DocumentType models.DocumentType `json:"document_type"`
	CloudAllowed bool                `json:"cloud_allowed"`
}

// Recommend returns the provider choice for a document type
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	var req RecommendRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.sendJSON(w, http.StatusOK, recommend.Recommend(req.DocumentType, req.CloudAllowed))
}
