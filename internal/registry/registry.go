/**
 * Provider registry
 *
 * Read-mostly view over persisted provider configuration and models.
 * Reads are served from a short-lived cache; every mutation goes to the
 * store first and then drops the cache, so a change is visible to the next
 * read in this process and to other processes within one TTL.
 */

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// Store is the persistence the registry needs
type Store interface {
	storage.ProviderConfigStore
	storage.ModelStore
}

// Registry answers provider configuration questions
type Registry struct {
	store  Store
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time

	mu       sync.RWMutex
	configs  map[string]*models.OcrProviderConfig
	loadedAt time.Time
	// generation is bumped by Invalidate; a load only publishes its rows
	// when no invalidation happened while it was reading the store
	generation uint64
}

// New creates a registry. A ttl of zero disables caching.
func New(store Store, ttl time.Duration) *Registry {
	return &Registry{
		store:  store,
		ttl:    ttl,
		logger: logging.NewLogger("ProviderRegistry"),
		now:    time.Now,
	}
}

// GetConfig returns the configuration of provider, or NOT_FOUND
func (r *Registry) GetConfig(ctx context.Context, provider string) (*models.OcrProviderConfig, error) {
	configs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok := configs[provider]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("provider config", provider)
	}
	return copyConfig(cfg), nil
}

// IsEnabled reports whether provider exists and is enabled.
// Unknown providers and load failures count as disabled.
func (r *Registry) IsEnabled(ctx context.Context, provider string) bool {
	cfg, err := r.GetConfig(ctx, provider)
	if err != nil {
		if !ocrerrors.Is(err, ocrerrors.ErrorNotFound) {
			r.logger.Warn("Failed to read provider config", "provider", provider, "error", err)
		}
		return false
	}
	return cfg.IsEnabled
}

// List returns every configured provider, sorted by name
func (r *Registry) List(ctx context.Context) ([]*models.OcrProviderConfig, error) {
	configs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.OcrProviderConfig, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, copyConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// ListEnabled returns the enabled providers, sorted by name
func (r *Registry) ListEnabled(ctx context.Context) ([]*models.OcrProviderConfig, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, cfg := range all {
		if cfg.IsEnabled {
			enabled = append(enabled, cfg)
		}
	}
	return enabled, nil
}

// Upsert writes a complete provider row
func (r *Registry) Upsert(ctx context.Context, cfg *models.OcrProviderConfig) error {
	if cfg.Provider == "" {
		return fmt.Errorf("provider name is required")
	}
	if err := r.store.UpsertProviderConfig(ctx, cfg); err != nil {
		return err
	}
	r.Invalidate()
	r.logger.Info("Provider config upserted", "provider", cfg.Provider, "enabled", cfg.IsEnabled)
	return nil
}

// SetEnabled enables or disables provider
func (r *Registry) SetEnabled(ctx context.Context, provider string, enabled bool) (*models.OcrProviderConfig, error) {
	return r.update(ctx, provider, storage.ProviderConfigPatch{IsEnabled: &enabled})
}

// SetBaseURL changes the endpoint of a remote provider
func (r *Registry) SetBaseURL(ctx context.Context, provider string, baseURL string) (*models.OcrProviderConfig, error) {
	return r.update(ctx, provider, storage.ProviderConfigPatch{BaseURL: &baseURL})
}

// SetRateLimits changes the quotas of provider. Zero means unlimited.
func (r *Registry) SetRateLimits(ctx context.Context, provider string, perMinute, perDay int) (*models.OcrProviderConfig, error) {
	if perMinute < 0 || perDay < 0 {
		return nil, fmt.Errorf("rate limits must not be negative")
	}
	return r.update(ctx, provider, storage.ProviderConfigPatch{
		RateLimitPerMinute: &perMinute,
		RateLimitPerDay:    &perDay,
	})
}

// Update applies a partial change
func (r *Registry) Update(ctx context.Context, provider string, patch storage.ProviderConfigPatch) (*models.OcrProviderConfig, error) {
	return r.update(ctx, provider, patch)
}

func (r *Registry) update(ctx context.Context, provider string, patch storage.ProviderConfigPatch) (*models.OcrProviderConfig, error) {
	cfg, err := r.store.UpdateProviderConfig(ctx, provider, patch)
	if err != nil {
		return nil, err
	}
	r.Invalidate()
	r.logger.Info("Provider config updated", "provider", provider, "enabled", cfg.IsEnabled)
	return cfg, nil
}

// DefaultModel returns the default model of provider, or nil when none is set
func (r *Registry) DefaultModel(ctx context.Context, provider string) (*models.OcrModel, error) {
	model, err := r.store.GetDefaultModel(ctx, provider)
	if ocrerrors.Is(err, ocrerrors.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

// SetDefaultModel makes modelID the single default of its provider
func (r *Registry) SetDefaultModel(ctx context.Context, provider string, modelID string) error {
	model, err := r.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if model.Provider != provider {
		return fmt.Errorf("model %s belongs to provider %s, not %s", modelID, model.Provider, provider)
	}
	if !model.IsActive {
		return fmt.Errorf("model %s is not active", modelID)
	}
	if err := r.store.SetDefaultModel(ctx, provider, modelID); err != nil {
		return err
	}
	r.logger.Info("Default model changed", "provider", provider, "modelId", modelID, "model", model.ModelName)
	return nil
}

// ListModels returns the models registered for provider
func (r *Registry) ListModels(ctx context.Context, provider string) ([]*models.OcrModel, error) {
	return r.store.ListModels(ctx, provider)
}

// Invalidate drops the cached configuration
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.configs = nil
	r.loadedAt = time.Time{}
	r.generation++
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context) (map[string]*models.OcrProviderConfig, error) {
	r.mu.RLock()
	if r.configs != nil && r.now().Sub(r.loadedAt) < r.ttl {
		configs := r.configs
		r.mu.RUnlock()
		return configs, nil
	}
	generation := r.generation
	r.mu.RUnlock()

	rows, err := r.store.ListProviderConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider configs: %w", err)
	}

	configs := make(map[string]*models.OcrProviderConfig, len(rows))
	for _, row := range rows {
		configs[row.Provider] = row
	}

	r.mu.Lock()
	if r.generation == generation {
		r.configs = configs
		r.loadedAt = r.now()
	}
	r.mu.Unlock()

	return configs, nil
}

func copyConfig(cfg *models.OcrProviderConfig) *models.OcrProviderConfig {
	c := *cfg
	if cfg.DefaultOptions != nil {
		c.DefaultOptions = make(map[string]interface{}, len(cfg.DefaultOptions))
		for k, v := range cfg.DefaultOptions {
			c.DefaultOptions[k] = v
		}
	}
	return &c
}
