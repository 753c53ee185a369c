/**
 * OCR domain model
 *
 * Entities persisted by the store: jobs, pages, ground-truth corrections,
 * models, provider configuration and the audit trail.
 * Nullable columns are pointers; empty strings stand for NULL ids.
 */

package models

import (
	"time"
)

// Provider names
const (
	ProviderTesseract    = "tesseract"
	ProviderCloudAPI     = "cloud_api"
	ProviderHTR          = "htr"
	ProviderMultilingual = "multilingual"
)

// DocumentType classifies the submitted material
type DocumentType string

const (
	DocumentPrinted     DocumentType = "printed"
	DocumentHandwritten DocumentType = "handwritten"
	DocumentMixed       DocumentType = "mixed"
)

// Valid reports whether d is a known document type
func (d DocumentType) Valid() bool {
	switch d {
	case DocumentPrinted, DocumentHandwritten, DocumentMixed:
		return true
	}
	return false
}

// BinarizationMethod selects the thresholding algorithm
type BinarizationMethod string

const (
	BinarizeAdaptive BinarizationMethod = "adaptive"
	BinarizeOtsu     BinarizationMethod = "otsu"
	BinarizeSauvola  BinarizationMethod = "sauvola"
	BinarizeNone     BinarizationMethod = "none"
)

// CorrectionType classifies a ground-truth correction
type CorrectionType string

const (
	CorrectionSpelling     CorrectionType = "spelling"
	CorrectionSegmentation CorrectionType = "segmentation"
	CorrectionMissing      CorrectionType = "missing"
	CorrectionExtra        CorrectionType = "extra"
)

// Valid reports whether c is empty (unclassified) or a known correction type
func (c CorrectionType) Valid() bool {
	switch c {
	case "", CorrectionSpelling, CorrectionSegmentation, CorrectionMissing, CorrectionExtra:
		return true
	}
	return false
}

// RegionType is the layout class of a page region
type RegionType string

const (
	RegionText       RegionType = "text"
	RegionImage      RegionType = "image"
	RegionTable      RegionType = "table"
	RegionMarginalia RegionType = "marginalia"
)

// PreprocessingOptions configures image cleanup before recognition
type PreprocessingOptions struct {
	Deskew           bool               `json:"deskew" yaml:"deskew"`
	Denoise          bool               `json:"denoise" yaml:"denoise"`
	Binarization     BinarizationMethod `json:"binarization,omitempty" yaml:"binarization"`
	TargetDPI        int                `json:"target_dpi,omitempty" yaml:"target_dpi"`
	LineSegmentation bool               `json:"line_segmentation" yaml:"line_segmentation"`
}

// IsTrivial reports whether no image transformation is requested.
// Line segmentation is a recognition hint and does not count.
func (o PreprocessingOptions) IsTrivial() bool {
	return !o.Deskew && !o.Denoise && o.TargetDPI <= 0 &&
		(o.Binarization == "" || o.Binarization == BinarizeNone)
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is a polygon or baseline vertex
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Word represents a single word with bounding box
type Word struct {
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bbox"`
}

// Line is one recognized text line
type Line struct {
	Index       int         `json:"index"`
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bbox"`
	Baseline    []Point     `json:"baseline,omitempty"`
	Polygon     []Point     `json:"polygon,omitempty"`
	Words       []Word      `json:"words,omitempty"`
}

// Region groups lines under a layout class
type Region struct {
	Type        RegionType  `json:"type"`
	BoundingBox BoundingBox `json:"bbox"`
	Polygon     []Point     `json:"polygon,omitempty"`
	Lines       []Line      `json:"lines"`
}

// OcrJob is one submitted unit of recognition work
type OcrJob struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`

	DocumentType DocumentType `json:"document_type"`

	SelectedProvider    string `json:"selected_provider,omitempty"`
	RecommendedProvider string `json:"recommended_provider,omitempty"`
	AutoMode            bool   `json:"auto_mode"`
	CloudAllowed        bool   `json:"cloud_allowed"`

	FileURL    string   `json:"file_url"`
	FileName   string   `json:"file_name"`
	FileHash   string   `json:"file_hash,omitempty"`
	PageURLs   []string `json:"page_urls,omitempty"`
	TotalPages int      `json:"total_pages"`

	Preprocessing PreprocessingOptions `json:"preprocessing"`
	Languages     []string             `json:"languages"`

	Status         JobStatus `json:"status"`
	ProcessedPages int       `json:"processed_pages"`

	OverallConfidence     *float64 `json:"overall_confidence,omitempty"`
	UnknownCharRatio      *float64 `json:"unknown_char_ratio,omitempty"`
	TotalProcessingTimeMs int64    `json:"total_processing_time_ms"`
	ErrorMessage          string   `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EffectiveProvider returns the provider a job routes to.
// Auto mode lets the recommendation override an explicit selection.
func (j *OcrJob) EffectiveProvider() string {
	if j.AutoMode && j.RecommendedProvider != "" {
		return j.RecommendedProvider
	}
	if j.SelectedProvider != "" {
		return j.SelectedProvider
	}
	return j.RecommendedProvider
}

// PageSources lists the image reference for every page, in page order
func (j *OcrJob) PageSources() []string {
	if len(j.PageURLs) > 0 {
		return j.PageURLs
	}
	if j.FileURL == "" {
		return nil
	}
	return []string{j.FileURL}
}

// OcrPage is one page's recognition result within a job
type OcrPage struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	PageNumber int    `json:"page_number"`

	ImageURL string `json:"image_url"`
	Width    *int   `json:"width,omitempty"`
	Height   *int   `json:"height,omitempty"`

	ProviderUsed     string  `json:"provider_used"`
	Model            string  `json:"model,omitempty"`
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	UnknownCharCount int     `json:"unknown_char_count"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`

	Regions   []Region `json:"regions"`
	LineCount int      `json:"line_count"`

	PageXML string `json:"page_xml,omitempty"`
	AltoXML string `json:"alto_xml,omitempty"`

	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CountLines recomputes the denormalized line count
func (p *OcrPage) CountLines() int {
	n := 0
	for _, r := range p.Regions {
		n += len(r.Lines)
	}
	p.LineCount = n
	return n
}

// OcrGroundTruth is a human correction against recognized text
type OcrGroundTruth struct {
	ID          string       `json:"id"`
	JobID       string       `json:"job_id"`
	PageID      string       `json:"page_id,omitempty"`
	PageNumber  int          `json:"page_number"`
	LineID      string       `json:"line_id,omitempty"`
	LineIndex   *int         `json:"line_index,omitempty"`
	BoundingBox *BoundingBox `json:"bbox,omitempty"`

	RecognizedText string         `json:"recognized_text"`
	CorrectedText  string         `json:"corrected_text"`
	CorrectionType CorrectionType `json:"correction_type,omitempty"`

	IsValidated bool   `json:"is_validated"`
	ValidatedBy string `json:"validated_by,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OcrModel is a named recognition model bound to one provider
type OcrModel struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`

	IsPretrained    bool     `json:"is_pretrained"`
	TrainedOnJobs   []string `json:"trained_on_jobs,omitempty"`
	TrainingSamples int      `json:"training_samples"`

	Accuracy          *float64 `json:"accuracy,omitempty"`
	CER               *float64 `json:"cer,omitempty"`
	WER               *float64 `json:"wer,omitempty"`
	EvaluationSetSize *int     `json:"evaluation_set_size,omitempty"`

	IsActive  bool `json:"is_active"`
	IsDefault bool `json:"is_default"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OcrProviderConfig is the operational configuration of one provider
type OcrProviderConfig struct {
	Provider       string                 `json:"provider" yaml:"provider"`
	IsEnabled      bool                   `json:"is_enabled" yaml:"enabled"`
	IsCloud        bool                   `json:"is_cloud" yaml:"cloud"`
	BaseURL        string                 `json:"base_url,omitempty" yaml:"base_url"`
	APIVersion     string                 `json:"api_version,omitempty" yaml:"api_version"`
	DefaultOptions map[string]interface{} `json:"default_options,omitempty" yaml:"default_options"`

	// Zero means unlimited
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitPerDay    int `json:"rate_limit_per_day" yaml:"rate_limit_per_day"`
	CurrentDailyUsage  int `json:"current_daily_usage" yaml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Audit outcomes
const (
	AuditSuccess   = "success"
	AuditFailed    = "failed"
	AuditCancelled = "cancelled"
	AuditRejected  = "rejected"
)

// OcrAuditLog is an append-only record of one recognition dispatch
type OcrAuditLog struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id,omitempty"`
	PageID        string `json:"page_id,omitempty"`
	PageNumber    int    `json:"page_number,omitempty"`
	Action        string `json:"action"`
	Provider      string `json:"provider"`
	SentToCloud   bool   `json:"sent_to_cloud"`
	CloudEndpoint string `json:"cloud_endpoint,omitempty"`
	Outcome       string `json:"outcome"`

	FileHash  string `json:"file_hash,omitempty"`
	FileSize  int64  `json:"file_size"`
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	DurationMs      int64  `json:"duration_ms"`
	RequestSummary  string `json:"request_summary,omitempty"`
	ResponseSummary string `json:"response_summary,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
