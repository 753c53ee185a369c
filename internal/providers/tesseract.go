/**
 * Tesseract provider - local in-process engine
 *
 * Runs gosseract through the EngineManager, so the engine is loaded for one
 * language set at a time and calls are serialised. Produces the full
 * region > line > word hierarchy from tesseract's page iterator.
 * No network egress.
 */

package providers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// TesseractProvider handles local OCR using Tesseract
type TesseractProvider struct {
	engines          *EngineManager
	defaultLanguages []string
}

// NewTesseractProvider creates the local provider
func NewTesseractProvider(engines *EngineManager, defaultLanguages []string) *TesseractProvider {
	if len(defaultLanguages) == 0 {
		defaultLanguages = []string{"eng"}
	}
	return &TesseractProvider{
		engines:          engines,
		defaultLanguages: defaultLanguages,
	}
}

func (p *TesseractProvider) Name() string  { return models.ProviderTesseract }
func (p *TesseractProvider) IsCloud() bool { return false }

// Init loads the engine for languages ahead of the first page
func (p *TesseractProvider) Init(ctx context.Context, languages []string) error {
	return p.engines.Init(ctx, p.languages(languages))
}

// Recognize performs OCR using Tesseract
func (p *TesseractProvider) Recognize(ctx context.Context, img Image, opts Options) (*Result, error) {
	startTime := time.Now()
	langs := p.languages(opts.Languages)

	var blocks, lines, words []gosseract.BoundingBox
	err := p.engines.Use(ctx, langs, func(e TextEngine) error {
		if err := e.SetImageFromBytes(img.Data); err != nil {
			return fmt.Errorf("failed to set image: %w", err)
		}

		var err error
		if lines, err = e.GetBoundingBoxes(gosseract.RIL_TEXTLINE); err != nil {
			return fmt.Errorf("tesseract line iteration failed: %w", err)
		}
		if words, err = e.GetBoundingBoxes(gosseract.RIL_WORD); err != nil {
			return fmt.Errorf("tesseract word iteration failed: %w", err)
		}
		if opts.LineSegmentation {
			if blocks, err = e.GetBoundingBoxes(gosseract.RIL_BLOCK); err != nil {
				return fmt.Errorf("tesseract block iteration failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, p.classify(err, langs)
	}

	modelLines := buildLines(lines, words)
	result := &Result{
		Text:           JoinLines(modelLines),
		Confidence:     clampConfidence(MeanConfidence(modelLines)),
		Lines:          modelLines,
		Provider:       p.Name(),
		Model:          "tesseract:" + strings.Join(langs, "+"),
		Language:       langs[0],
		ProcessingTime: time.Since(startTime),
	}
	if len(blocks) > 0 {
		result.Regions = groupRegions(blocks, modelLines)
	}

	return result, nil
}

func (p *TesseractProvider) languages(requested []string) []string {
	if len(requested) == 0 {
		return p.defaultLanguages
	}
	return requested
}

// classify maps engine failures onto provider error codes. Tesseract reports
// missing traineddata as an initialisation failure.
func (p *TesseractProvider) classify(err error, langs []string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "initialize") || strings.Contains(msg, "traineddata") || strings.Contains(msg, "languages") {
		return ocrerrors.NewUnsupportedLanguageError(p.Name(), strings.Join(langs, "+"))
	}
	if ocrerrors.CodeOf(err) != "" {
		return err
	}
	return ocrerrors.NewProviderFailedError(p.Name(), err)
}

// buildLines turns iterator boxes into lines, attaching each word to the
// line containing its centre
func buildLines(lineBoxes, wordBoxes []gosseract.BoundingBox) []models.Line {
	lines := make([]models.Line, 0, len(lineBoxes))
	for i, lb := range lineBoxes {
		lines = append(lines, models.Line{
			Index:       i,
			Text:        strings.TrimSpace(lb.Word),
			Confidence:  lb.Confidence,
			BoundingBox: toBox(lb.Box),
		})
	}

	for _, wb := range wordBoxes {
		text := strings.TrimSpace(wb.Word)
		if text == "" {
			continue
		}
		center := image.Pt((wb.Box.Min.X+wb.Box.Max.X)/2, (wb.Box.Min.Y+wb.Box.Max.Y)/2)
		for i := range lineBoxes {
			if center.In(lineBoxes[i].Box) {
				lines[i].Words = append(lines[i].Words, models.Word{
					Text:        text,
					Confidence:  wb.Confidence,
					BoundingBox: toBox(wb.Box),
				})
				break
			}
		}
	}

	for i := range lines {
		if lines[i].Text == "" && len(lines[i].Words) > 0 {
			parts := make([]string, 0, len(lines[i].Words))
			for _, w := range lines[i].Words {
				parts = append(parts, w.Text)
			}
			lines[i].Text = strings.Join(parts, " ")
		}
	}

	return lines
}

// groupRegions places lines into the layout block containing their centre.
// Lines outside every block end up in a trailing region.
func groupRegions(blockBoxes []gosseract.BoundingBox, lines []models.Line) []models.Region {
	regions := make([]models.Region, len(blockBoxes))
	for i, bb := range blockBoxes {
		regions[i] = models.Region{Type: models.RegionText, BoundingBox: toBox(bb.Box), Lines: []models.Line{}}
	}

	var orphans []models.Line
	for _, l := range lines {
		center := image.Pt(l.BoundingBox.X+l.BoundingBox.Width/2, l.BoundingBox.Y+l.BoundingBox.Height/2)
		placed := false
		for i, bb := range blockBoxes {
			if center.In(bb.Box) {
				regions[i].Lines = append(regions[i].Lines, l)
				placed = true
				break
			}
		}
		if !placed {
			orphans = append(orphans, l)
		}
	}

	out := regions[:0]
	for _, r := range regions {
		if len(r.Lines) > 0 {
			out = append(out, r)
		}
	}
	if len(orphans) > 0 {
		out = append(out, models.Region{Type: models.RegionText, BoundingBox: unionBoxes(orphans), Lines: orphans})
	}
	return out
}

func toBox(r image.Rectangle) models.BoundingBox {
	return models.BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}
