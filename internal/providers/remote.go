package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// requireRemoteConfig fails fast, before any network call, when a remote
// provider is unknown, disabled or has no base URL.
func requireRemoteConfig(ctx context.Context, configs ConfigSource, provider string) (*models.OcrProviderConfig, error) {
	if configs == nil {
		return nil, ocrerrors.NewConfigurationMissingError(provider, "provider config")
	}

	cfg, err := configs.GetConfig(ctx, provider)
	if ocrerrors.Is(err, ocrerrors.ErrorNotFound) {
		return nil, ocrerrors.NewConfigurationMissingError(provider, "provider config")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s config: %w", provider, err)
	}
	if !cfg.IsEnabled {
		return nil, ocrerrors.NewConfigurationMissingError(provider, "provider is disabled")
	}
	if cfg.BaseURL == "" {
		return nil, ocrerrors.NewConfigurationMissingError(provider, "base_url")
	}
	return cfg, nil
}

// remoteLine is the line shape shared by the gateway-backed services
type remoteLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       []int   `json:"bbox,omitempty"` // x1, y1, x2, y2
	Polygon    [][]int `json:"polygon,omitempty"`
	Baseline   [][]int `json:"baseline,omitempty"`
	RegionID   string  `json:"region_id,omitempty"`
	RegionType string  `json:"region_type,omitempty"`
}

func toModelLines(in []remoteLine) []models.Line {
	lines := make([]models.Line, 0, len(in))
	for i, rl := range in {
		polygon := toPoints(rl.Polygon)
		box := boxFromCorners(rl.BBox)
		if box == (models.BoundingBox{}) && len(polygon) > 0 {
			box = boxFromPoints(polygon)
		}
		lines = append(lines, models.Line{
			Index:       i,
			Text:        rl.Text,
			Confidence:  normalizeConfidence(rl.Confidence),
			BoundingBox: box,
			Polygon:     polygon,
			Baseline:    toPoints(rl.Baseline),
		})
	}
	return lines
}

// toRegions groups lines by the region id the service reported, in first-seen order
func toRegions(in []remoteLine, lines []models.Line) []models.Region {
	if len(in) == 0 {
		return nil
	}
	index := make(map[string]int)
	var regions []models.Region
	for i, rl := range in {
		if rl.RegionID == "" && rl.RegionType == "" {
			return nil
		}
		key := rl.RegionID + "/" + rl.RegionType
		pos, ok := index[key]
		if !ok {
			pos = len(regions)
			index[key] = pos
			regions = append(regions, models.Region{Type: regionType(rl.RegionType)})
		}
		regions[pos].Lines = append(regions[pos].Lines, lines[i])
	}
	for i := range regions {
		regions[i].BoundingBox = unionBoxes(regions[i].Lines)
	}
	return regions
}

func regionType(s string) models.RegionType {
	switch models.RegionType(s) {
	case models.RegionImage, models.RegionTable, models.RegionMarginalia:
		return models.RegionType(s)
	}
	return models.RegionText
}

// normalizeConfidence maps 0-1 scores onto the 0-100 scale
func normalizeConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	if c > 0 && c <= 1 {
		c *= 100
	}
	return clampConfidence(c)
}

func toPoints(raw [][]int) []models.Point {
	if len(raw) == 0 {
		return nil
	}
	out := make([]models.Point, 0, len(raw))
	for _, p := range raw {
		if len(p) >= 2 {
			out = append(out, models.Point{X: p[0], Y: p[1]})
		}
	}
	return out
}

func boxFromCorners(c []int) models.BoundingBox {
	if len(c) != 4 {
		return models.BoundingBox{}
	}
	return models.BoundingBox{X: c[0], Y: c[1], Width: c[2] - c[0], Height: c[3] - c[1]}
}

func boxFromPoints(pts []models.Point) models.BoundingBox {
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := minX, minY
	for _, p := range pts[1:] {
		minX, minY = min(minX, p.X), min(minY, p.Y)
		maxX, maxY = max(maxX, p.X), max(maxY, p.Y)
	}
	return models.BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

func encodeImage(img Image) string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

func decodeData(provider string, action string, data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return ocrerrors.NewProviderFailedError(provider, fmt.Errorf("unexpected %s response: %w", action, err))
	}
	return nil
}
