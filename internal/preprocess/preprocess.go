/**
 * Page image preprocessing
 *
 * Cleans a page image before recognition. Steps run in a fixed order:
 *   resample to target DPI -> denoise -> deskew -> binarize
 * Decoding covers png, jpeg and gif from the standard library plus tiff,
 * bmp and webp from golang.org/x/image. Processed pages are re-encoded as PNG.
 */

package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// DefaultSourceDPI is assumed when the image carries no density information
const DefaultSourceDPI = 300

const (
	maxSkewDegrees  = 5.0
	skewStepDegrees = 0.5
	skewSampleWidth = 800
)

// Page is a decoded page ready for a provider
type Page struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	// Applied lists the steps that changed the image, in order
	Applied []string
	// SkewAngle is the rotation applied by deskew, in degrees
	SkewAngle float64
}

// Preprocessor applies PreprocessingOptions to page images
type Preprocessor struct {
	logger *logging.Logger
}

// New creates a preprocessor
func New() *Preprocessor {
	return &Preprocessor{logger: logging.NewLogger("Preprocessor")}
}

// Inspect reports the type and dimensions of data without transforming it
func (p *Preprocessor) Inspect(data []byte) (*Page, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	mimeType := DetectMimeType(data)
	if mimeType == "" {
		mimeType = "image/" + format
	}
	return &Page{Data: data, MimeType: mimeType, Width: cfg.Width, Height: cfg.Height}, nil
}

// Process applies opts to data. Trivial options return the input untouched.
func (p *Preprocessor) Process(ctx context.Context, data []byte, opts models.PreprocessingOptions) (*Page, error) {
	if opts.IsTrivial() {
		return p.Inspect(data)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	page := &Page{}
	var out image.Image = img

	if opts.TargetDPI > 0 {
		source := SourceDPI(data)
		if scale := float64(opts.TargetDPI) / float64(source); math.Abs(scale-1) > 0.01 {
			width := int(math.Round(float64(out.Bounds().Dx()) * scale))
			out = imaging.Resize(out, max(width, 1), 0, imaging.Lanczos)
			page.Applied = append(page.Applied, fmt.Sprintf("resample:%d->%ddpi", source, opts.TargetDPI))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Denoise {
		out = imaging.Blur(out, 0.7)
		page.Applied = append(page.Applied, "denoise")
	}

	if opts.Deskew {
		angle := EstimateSkew(out)
		if angle != 0 {
			out = imaging.Rotate(out, -angle, color.White)
			page.SkewAngle = angle
			page.Applied = append(page.Applied, fmt.Sprintf("deskew:%.1f", angle))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch opts.Binarization {
	case models.BinarizeOtsu:
		out = OtsuBinarize(out)
		page.Applied = append(page.Applied, "binarize:otsu")
	case models.BinarizeAdaptive:
		out = AdaptiveBinarize(out, 15, 10)
		page.Applied = append(page.Applied, "binarize:adaptive")
	case models.BinarizeSauvola:
		out = SauvolaBinarize(out, 15, 0.34)
		page.Applied = append(page.Applied, "binarize:sauvola")
	case "", models.BinarizeNone:
	default:
		return nil, fmt.Errorf("unknown binarization method %q", opts.Binarization)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode processed page: %w", err)
	}

	page.Data = buf.Bytes()
	page.MimeType = "image/png"
	page.Width = out.Bounds().Dx()
	page.Height = out.Bounds().Dy()

	p.logger.Debug("Page preprocessed", "steps", page.Applied, "width", page.Width, "height", page.Height)
	return page, nil
}

// DetectMimeType identifies supported image formats by magic bytes
func DetectMimeType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	}
	return ""
}

// SourceDPI reads the pixel density from PNG pHYs or JPEG JFIF headers,
// falling back to DefaultSourceDPI
func SourceDPI(data []byte) int {
	switch DetectMimeType(data) {
	case "image/png":
		// chunks start after the 8 byte signature: length(4) type(4) data crc(4)
		for i := 8; i+12 <= len(data); {
			length := int(be32(data[i:]))
			kind := string(data[i+4 : i+8])
			if kind == "pHYs" && length == 9 && i+8+9 <= len(data) {
				perMetre := be32(data[i+8:])
				if data[i+16] == 1 && perMetre > 0 {
					return int(math.Round(float64(perMetre) * 0.0254))
				}
				return DefaultSourceDPI
			}
			if kind == "IDAT" || kind == "IEND" {
				break
			}
			i += 12 + length
		}
	case "image/jpeg":
		// APP0 JFIF: FFD8 FFE0 len(2) "JFIF\0" ver(2) units(1) xdensity(2)
		if len(data) >= 18 && data[2] == 0xFF && data[3] == 0xE0 && string(data[6:11]) == "JFIF\x00" {
			units := data[13]
			density := int(data[14])<<8 | int(data[15])
			switch {
			case units == 1 && density > 0:
				return density
			case units == 2 && density > 0:
				return int(math.Round(float64(density) * 2.54))
			}
		}
	}
	return DefaultSourceDPI
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
