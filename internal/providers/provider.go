/**
 * Provider abstraction
 *
 * Every recognition backend implements Provider. The orchestrator only ever
 * sees this contract; provider specifics (PAGE-XML, polygons, the simulated
 * flag) ride along as additive Result fields.
 */

package providers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// Image is one page image handed to a provider
type Image struct {
	Data     []byte
	Name     string
	MimeType string
	Width    int
	Height   int
}

// ExportFormat names an XML export produced by the HTR provider
type ExportFormat string

const (
	ExportPageXML ExportFormat = "page_xml"
	ExportAltoXML ExportFormat = "alto_xml"
)

// Options tune one recognition call
type Options struct {
	Languages        []string
	Model            string
	DocumentType     models.DocumentType
	LineSegmentation bool
	Exports          []ExportFormat
	JobID            string
	PageNumber       int
}

// Result is the normalized recognition output
type Result struct {
	Text           string
	Confidence     float64 // 0-100
	Lines          []models.Line
	ProcessingTime time.Duration

	Provider  string
	Model     string
	Language  string
	Regions   []models.Region
	PageXML   string
	AltoXML   string
	Simulated bool
	// Endpoint is the remote endpoint the page was sent to, if any
	Endpoint string
}

// PageRegions returns the result's regions, wrapping bare lines in one text region
func (r *Result) PageRegions() []models.Region {
	if len(r.Regions) > 0 {
		return r.Regions
	}
	if len(r.Lines) == 0 {
		return []models.Region{}
	}
	return []models.Region{{
		Type:        models.RegionText,
		BoundingBox: unionBoxes(r.Lines),
		Lines:       r.Lines,
	}}
}

// Provider is a recognition backend
type Provider interface {
	Name() string
	// IsCloud reports whether calls send page data off the local environment
	IsCloud() bool
	Recognize(ctx context.Context, img Image, opts Options) (*Result, error)
}

// ConfigRequirer is implemented by providers that cannot run without an
// enabled config row
type ConfigRequirer interface {
	RequiresConfig() bool
}

// TrainingSample pairs a page image with its validated transcription
type TrainingSample struct {
	Image         []byte
	Transcription string
}

// TrainingRequest asks a provider to fine-tune a model
type TrainingRequest struct {
	ModelName string
	BaseModel string
	Samples   []TrainingSample
}

// TrainedModel describes a model produced by training
type TrainedModel struct {
	ModelName string
	Version   string
	Path      string
	Samples   int
}

// Trainer is implemented by providers that can train custom models
type Trainer interface {
	TrainModel(ctx context.Context, req TrainingRequest) (*TrainedModel, error)
}

// ConfigSource exposes persisted provider configuration
type ConfigSource interface {
	GetConfig(ctx context.Context, provider string) (*models.OcrProviderConfig, error)
}

// Gateway is the trusted boundary used by remote providers
type Gateway interface {
	Invoke(ctx context.Context, provider string, action string, params map[string]interface{}) (json.RawMessage, error)
	Endpoint() string
}

// Set is a name-indexed collection of providers
type Set struct {
	providers map[string]Provider
}

// NewSet builds a set from providers
func NewSet(ps ...Provider) *Set {
	s := &Set{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		s.providers[p.Name()] = p
	}
	return s
}

// Get returns the provider registered under name
func (s *Set) Get(name string) (Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Names lists the registered provider names in order
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CountUnknown counts characters the engine could not decode
func CountUnknown(text string) int {
	n := 0
	for _, r := range text {
		if r == '�' || r == '□' {
			n++
		}
	}
	return n
}

// JoinLines joins line texts with newlines
func JoinLines(lines []models.Line) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, l.Text)
	}
	return strings.Join(parts, "\n")
}

// MeanConfidence averages line confidences, or 0 without lines
func MeanConfidence(lines []models.Line) float64 {
	if len(lines) == 0 {
		return 0
	}
	var sum float64
	for _, l := range lines {
		sum += l.Confidence
	}
	return sum / float64(len(lines))
}

func unionBoxes(lines []models.Line) models.BoundingBox {
	if len(lines) == 0 {
		return models.BoundingBox{}
	}
	minX, minY := lines[0].BoundingBox.X, lines[0].BoundingBox.Y
	maxX, maxY := minX+lines[0].BoundingBox.Width, minY+lines[0].BoundingBox.Height
	for _, l := range lines[1:] {
		b := l.BoundingBox
		minX = min(minX, b.X)
		minY = min(minY, b.Y)
		maxX = max(maxX, b.X+b.Width)
		maxY = max(maxY, b.Y+b.Height)
	}
	return models.BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
