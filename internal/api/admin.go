package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/ocr-orchestrator/internal/groundtruth"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// ProviderView is a provider config together with its runtime registration
type ProviderView struct {
	*models.OcrProviderConfig
	Registered bool `json:"registered"`
}

// ListProviders returns every configured provider
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	configs, err := h.deps.Registry.List(r.Context())
	if err != nil {
		h.sendServiceError(w, "failed to list providers", err)
		return
	}

	views := make([]ProviderView, 0, len(configs))
	for _, cfg := range configs {
		_, registered := h.deps.Providers.Get(cfg.Provider)
		views = append(views, ProviderView{OcrProviderConfig: cfg, Registered: registered})
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"providers":  views,
		"registered": h.deps.Providers.Names(),
	})
}

// ProviderPatch is the body of PATCH /providers/{name}
type ProviderPatch struct {
	IsEnabled          *bool                  `json:"is_enabled,omitempty"`
	BaseURL            *string                `json:"base_url,omitempty"`
	APIVersion         *string                `json:"api_version,omitempty"`
	RateLimitPerMinute *int                   `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerDay    *int                   `json:"rate_limit_per_day,omitempty"`
	DefaultOptions     map[string]interface{} `json:"default_options,omitempty"`
}

// UpdateProvider applies a partial config change
func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderPatch
	if !h.decode(w, r, &req) {
		return
	}
	if (req.RateLimitPerMinute != nil && *req.RateLimitPerMinute < 0) ||
		(req.RateLimitPerDay != nil && *req.RateLimitPerDay < 0) {
		h.sendError(w, http.StatusBadRequest, "rate limits must not be negative", nil)
		return
	}

	cfg, err := h.deps.Registry.Update(r.Context(), mux.Vars(r)["name"], storage.ProviderConfigPatch{
		IsEnabled:          req.IsEnabled,
		BaseURL:            req.BaseURL,
		APIVersion:         req.APIVersion,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
		DefaultOptions:     req.DefaultOptions,
	})
	if err != nil {
		h.sendServiceError(w, "failed to update provider", err)
		return
	}
	h.sendJSON(w, http.StatusOK, cfg)
}

// ListModels returns the models of a provider
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Registry.ListModels(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.sendServiceError(w, "failed to list models", err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"models": list, "count": len(list)})
}

// SetDefaultModelRequest is the body of PUT /providers/{name}/default-model
type SetDefaultModelRequest struct {
	ModelID string `json:"model_id"`
}

// SetDefaultModel switches the default model of a provider
func (h *Handler) SetDefaultModel(w http.ResponseWriter, r *http.Request) {
	var req SetDefaultModelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		h.sendError(w, http.StatusBadRequest, "model_id is required", nil)
		return
	}

	provider := mux.Vars(r)["name"]
	if err := h.deps.Registry.SetDefaultModel(r.Context(), provider, req.ModelID); err != nil {
		h.sendServiceError(w, "failed to set default model", err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"provider": provider, "model_id": req.ModelID})
}

// TrainModel trains a model from validated corrections
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	var req groundtruth.TrainRequest
	if !h.decode(w, r, &req) {
		return
	}
	model, err := h.deps.GroundTruth.TrainFromCorrections(r.Context(), req)
	if err != nil {
		h.sendServiceError(w, "failed to train model", err)
		return
	}
	h.sendJSON(w, http.StatusCreated, model)
}

// EvaluateRequest is the body of POST /models/{id}/evaluate
type EvaluateRequest struct {
	JobIDs []string `json:"job_ids"`
}

// EvaluateModel scores a model against validated corrections
func (h *Handler) EvaluateModel(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	eval, err := h.deps.GroundTruth.EvaluateModel(r.Context(), mux.Vars(r)["id"], req.JobIDs)
	if err != nil {
		h.sendServiceError(w, "failed to evaluate model", err)
		return
	}
	h.sendJSON(w, http.StatusOK, eval)
}
