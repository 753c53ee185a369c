package registry

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// SeedFile is the YAML layout of a provider seed file
type SeedFile struct {
	Providers []*models.OcrProviderConfig `yaml:"providers"`
	Models    []SeedModel                 `yaml:"models"`
}

// SeedModel registers a pretrained model
type SeedModel struct {
	Provider  string `yaml:"provider"`
	ModelName string `yaml:"model_name"`
	Version   string `yaml:"version"`
	Path      string `yaml:"path"`
	Default   bool   `yaml:"default"`
}

// LoadSeed parses a seed file and rejects duplicate or unnamed providers
func LoadSeed(r io.Reader) (*SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(seed.Providers))
	for i, cfg := range seed.Providers {
		if cfg == nil || cfg.Provider == "" {
			return nil, fmt.Errorf("provider %d has no name", i)
		}
		if seen[cfg.Provider] {
			return nil, fmt.Errorf("provider %s is listed twice", cfg.Provider)
		}
		if cfg.RateLimitPerMinute < 0 || cfg.RateLimitPerDay < 0 {
			return nil, fmt.Errorf("provider %s: rate limits must not be negative", cfg.Provider)
		}
		seen[cfg.Provider] = true
	}
	for i, m := range seed.Models {
		if m.Provider == "" || m.ModelName == "" {
			return nil, fmt.Errorf("model %d needs provider and model_name", i)
		}
	}
	return &seed, nil
}

// Apply upserts every provider row and registers models missing from the
// store. Existing models are matched by provider and name.
func (r *Registry) Apply(ctx context.Context, seed *SeedFile) error {
	for _, cfg := range seed.Providers {
		if err := r.Upsert(ctx, cfg); err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", cfg.Provider, err)
		}
	}

	for _, sm := range seed.Models {
		existing, err := r.store.ListModels(ctx, sm.Provider)
		if err != nil {
			return fmt.Errorf("failed to list %s models: %w", sm.Provider, err)
		}

		var model *models.OcrModel
		for _, m := range existing {
			if m.ModelName == sm.ModelName {
				model = m
				break
			}
		}
		if model == nil {
			model = &models.OcrModel{
				Provider:     sm.Provider,
				ModelName:    sm.ModelName,
				Version:      sm.Version,
				Path:         sm.Path,
				IsPretrained: true,
				IsActive:     true,
			}
			if err := r.store.CreateModel(ctx, model); err != nil {
				return fmt.Errorf("failed to seed model %s: %w", sm.ModelName, err)
			}
			r.logger.Info("Model seeded", "provider", sm.Provider, "model", sm.ModelName)
		}

		if sm.Default && !model.IsDefault {
			if err := r.SetDefaultModel(ctx, sm.Provider, model.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
