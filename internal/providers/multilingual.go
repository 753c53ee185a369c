/**
 * Multilingual provider
 *
 * Prefers the self-hosted multilingual server. When the server is not
 * configured, fails its health probe, or drops the connection, the provider
 * answers from a simulation instead of failing. Simulated results carry
 * Simulated=true and a model name starting with SimulatedModelPrefix.
 */

package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/ocr-orchestrator/internal/clients"
	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// SimulatedModelPrefix marks results produced without the real server
const SimulatedModelPrefix = "simulated:"

const simulatedConfidence = 35.0

// MultilingualProvider recognizes pages in many scripts
type MultilingualProvider struct {
	client *clients.MultilingualClient
	logger *logging.Logger
}

// NewMultilingualProvider creates the provider
func NewMultilingualProvider(client *clients.MultilingualClient) *MultilingualProvider {
	return &MultilingualProvider{
		client: client,
		logger: logging.NewLogger("MultilingualProvider"),
	}
}

func (p *MultilingualProvider) Name() string  { return models.ProviderMultilingual }
func (p *MultilingualProvider) IsCloud() bool { return false }

// Recognize uses the server when it is healthy, otherwise the simulation
func (p *MultilingualProvider) Recognize(ctx context.Context, img Image, opts Options) (*Result, error) {
	startTime := time.Now()

	if p.client == nil || !p.client.Healthy(ctx) {
		return p.simulate(img, opts, startTime), nil
	}

	resp, err := p.client.Recognize(ctx, p.Name(), img.Data, opts.Languages, opts.Model)
	if ocrerrors.Is(err, ocrerrors.ErrorServerUnreachable) && ctx.Err() == nil {
		p.logger.Warn("Multilingual server dropped, using simulation", "jobId", opts.JobID, "page", opts.PageNumber, "error", err)
		p.client.MarkOffline()
		return p.simulate(img, opts, startTime), nil
	}
	if err != nil {
		return nil, err
	}

	in := make([]remoteLine, 0, len(resp.Lines))
	for _, l := range resp.Lines {
		polygon := make([][]int, 0, len(l.Polygon))
		for _, pt := range l.Polygon {
			polygon = append(polygon, []int{pt[0], pt[1]})
		}
		in = append(in, remoteLine{Text: l.Text, Confidence: l.Confidence, BBox: l.BBox[:], Polygon: polygon})
	}
	lines := toModelLines(in)

	text := resp.Text
	if text == "" {
		text = JoinLines(lines)
	}

	return &Result{
		Text:           text,
		Confidence:     normalizeConfidence(resp.Confidence),
		Lines:          lines,
		Provider:       p.Name(),
		Model:          resp.Model,
		Language:       resp.Language,
		ProcessingTime: time.Since(startTime),
	}, nil
}

// simulate returns schema-conformant synthetic output, stable for a given image
func (p *MultilingualProvider) simulate(img Image, opts Options, startTime time.Time) *Result {
	sum := sha256.Sum256(img.Data)
	seed := binary.BigEndian.Uint32(sum[:4])

	width, height := img.Width, img.Height
	if width <= 0 {
		width = 1000
	}
	if height <= 0 {
		height = 1400
	}

	language := "und"
	if len(opts.Languages) > 0 {
		language = opts.Languages[0]
	}

	count := 2 + int(seed%3)
	lineHeight := height / (count + 2)
	lines := make([]models.Line, 0, count)
	for i := 0; i < count; i++ {
		y := lineHeight * (i + 1)
		box := models.BoundingBox{X: width / 10, Y: y, Width: width * 8 / 10, Height: lineHeight * 3 / 4}
		lines = append(lines, models.Line{
			Index:       i,
			Text:        fmt.Sprintf("[simulated %s] line %d (%08x)", language, i+1, seed),
			Confidence:  simulatedConfidence,
			BoundingBox: box,
			Polygon: []models.Point{
				{X: box.X, Y: box.Y},
				{X: box.X + box.Width, Y: box.Y},
				{X: box.X + box.Width, Y: box.Y + box.Height},
				{X: box.X, Y: box.Y + box.Height},
			},
		})
	}

	model := "multilingual-fallback"
	if opts.Model != "" {
		model = opts.Model
	}

	return &Result{
		Text:           JoinLines(lines),
		Confidence:     simulatedConfidence,
		Lines:          lines,
		Provider:       p.Name(),
		Model:          SimulatedModelPrefix + model,
		Language:       language,
		Simulated:      true,
		ProcessingTime: time.Since(startTime),
	}
}

// IsSimulated reports whether a model name carries the simulation marker
func IsSimulated(model string) bool {
	return strings.HasPrefix(model, SimulatedModelPrefix)
}
