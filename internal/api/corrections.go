package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/ocr-orchestrator/internal/groundtruth"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// SubmitCorrection stores a reviewer's correction. The reviewer defaults to
// the calling user.
func (h *Handler) SubmitCorrection(w http.ResponseWriter, r *http.Request) {
	var req groundtruth.Correction
	if !h.decode(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = clientInfo(r).UserID
	}

	gt, err := h.deps.GroundTruth.Submit(r.Context(), req)
	if err != nil {
		h.sendServiceError(w, "failed to submit correction", err)
		return
	}
	h.sendJSON(w, http.StatusCreated, gt)
}

// GetCorrection returns one correction
func (h *Handler) GetCorrection(w http.ResponseWriter, r *http.Request) {
	gt, err := h.deps.GroundTruth.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendServiceError(w, "failed to get correction", err)
		return
	}
	h.sendJSON(w, http.StatusOK, gt)
}

// UpdateCorrectionRequest is the body of PATCH /corrections/{id}
type UpdateCorrectionRequest struct {
	CorrectedText  string                `json:"corrected_text"`
	CorrectionType models.CorrectionType `json:"correction_type,omitempty"`
}

// UpdateCorrection edits the corrected text, which clears validation
func (h *Handler) UpdateCorrection(w http.ResponseWriter, r *http.Request) {
	var req UpdateCorrectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	gt, err := h.deps.GroundTruth.UpdateText(r.Context(), mux.Vars(r)["id"], req.CorrectedText, req.CorrectionType)
	if err != nil {
		h.sendServiceError(w, "failed to update correction", err)
		return
	}
	h.sendJSON(w, http.StatusOK, gt)
}

// ValidateCorrectionRequest is the body of POST /corrections/{id}/validate
type ValidateCorrectionRequest struct {
	ValidatedBy string `json:"validated_by"`
}

// ValidateCorrection marks a correction as reviewed
func (h *Handler) ValidateCorrection(w http.ResponseWriter, r *http.Request) {
	var req ValidateCorrectionRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.ValidatedBy == "" {
		req.ValidatedBy = clientInfo(r).UserID
	}

	gt, err := h.deps.GroundTruth.Validate(r.Context(), mux.Vars(r)["id"], req.ValidatedBy)
	if err != nil {
		h.sendServiceError(w, "failed to validate correction", err)
		return
	}
	h.sendJSON(w, http.StatusOK, gt)
}

// DeleteCorrection removes a correction
func (h *Handler) DeleteCorrection(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.GroundTruth.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.sendServiceError(w, "failed to delete correction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCorrections returns the corrections of a job, optionally narrowed to
// one page or to validated rows
func (h *Handler) ListCorrections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.GroundTruthFilter{
		JobID:         mux.Vars(r)["id"],
		ValidatedOnly: q.Get("validated") == "true",
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			h.sendError(w, http.StatusBadRequest, "invalid page", err)
			return
		}
		filter.PageNumber = &page
	}

	rows, err := h.deps.GroundTruth.List(r.Context(), filter)
	if err != nil {
		h.sendServiceError(w, "failed to list corrections", err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"corrections": rows, "count": len(rows)})
}
