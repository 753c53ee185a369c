// Package recommend chooses a provider for a document.
//
// The policy is deliberately conservative: it never recommends a cloud
// provider, even when cloud processing is allowed. Cloud shows up only as
// an alternative. Recommend is total and has no side effects.
package recommend

import (
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// Alternative is a ranked fallback choice
type Alternative struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// DocumentAnalysis summarizes the inputs the decision was based on
type DocumentAnalysis struct {
	DocumentType   models.DocumentType `json:"document_type"`
	CloudAllowed   bool                `json:"cloud_allowed"`
	Handwriting    bool                `json:"handwriting"`
	LayoutComplex  bool                `json:"layout_complex"`
	NormalizedFrom string              `json:"normalized_from,omitempty"`
}

// Recommendation is the policy's answer
type Recommendation struct {
	Recommended      string           `json:"recommended"`
	Reasons          []string         `json:"reasons"`
	Alternatives     []Alternative    `json:"alternatives"`
	DocumentAnalysis DocumentAnalysis `json:"document_analysis"`
}

// Recommend picks a provider for documentType.
// Unknown document types are treated as printed.
func Recommend(documentType models.DocumentType, cloudAllowed bool) Recommendation {
	analysis := DocumentAnalysis{DocumentType: documentType, CloudAllowed: cloudAllowed}
	if !documentType.Valid() {
		analysis.NormalizedFrom = string(documentType)
		analysis.DocumentType = models.DocumentPrinted
		documentType = models.DocumentPrinted
	}

	rec := Recommendation{DocumentAnalysis: analysis}

	switch documentType {
	case models.DocumentHandwritten:
		rec.DocumentAnalysis.Handwriting = true
		rec.Recommended = models.ProviderHTR
		rec.Reasons = []string{
			"handwritten material needs a model trained on manuscript script",
			"the HTR service runs self-hosted, so page images stay local",
		}
		rec.Alternatives = []Alternative{
			{Provider: models.ProviderMultilingual, Reason: "covers non-Latin scripts, weaker on cursive"},
			{Provider: models.ProviderTesseract, Reason: "fast local baseline, poor on handwriting"},
		}
		if cloudAllowed {
			rec.Alternatives = append(rec.Alternatives, Alternative{
				Provider: models.ProviderCloudAPI,
				Reason:   "general handwriting support, sends pages off-site",
			})
		}

	case models.DocumentMixed:
		rec.DocumentAnalysis.Handwriting = true
		rec.DocumentAnalysis.LayoutComplex = true
		rec.Recommended = models.ProviderTesseract
		rec.Reasons = []string{
			"printed text dominates most mixed documents",
			"the local engine keeps page images in-house",
		}
		rec.Alternatives = []Alternative{
			{Provider: models.ProviderHTR, Reason: "better on the handwritten annotations"},
			{Provider: models.ProviderMultilingual, Reason: "layout detection with polygons"},
		}
		if cloudAllowed {
			rec.Alternatives = append(rec.Alternatives, Alternative{
				Provider: models.ProviderCloudAPI,
				Reason:   "handles printed and handwritten text in one pass, sends pages off-site",
			})
		}

	default:
		rec.Recommended = models.ProviderTesseract
		rec.Reasons = []string{
			"printed text is handled well by the local engine",
			"no network egress and no per-page cost",
		}
		rec.Alternatives = []Alternative{
			{Provider: models.ProviderMultilingual, Reason: "better for non-Latin scripts"},
		}
		if cloudAllowed {
			rec.Alternatives = append(rec.Alternatives, Alternative{
				Provider: models.ProviderCloudAPI,
				Reason:   "higher accuracy on degraded scans, sends pages off-site",
			})
		}
		rec.Alternatives = append(rec.Alternatives, Alternative{
			Provider: models.ProviderHTR,
			Reason:   "only useful if the print is unusual or historic",
		})
	}

	return rec
}
