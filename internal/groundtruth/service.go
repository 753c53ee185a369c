/**
 * Ground-truth corrections
 *
 * Reviewers submit corrections against recognized pages or lines. Every
 * submission is a new row; editing corrected text clears validation so the
 * correction is reviewed again. Validated corrections feed model training
 * and evaluation.
 */

package groundtruth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/providers"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// Store is the persistence the service needs
type Store interface {
	storage.GroundTruthStore
	storage.ModelStore
	GetJob(ctx context.Context, id string) (*models.OcrJob, error)
	GetPage(ctx context.Context, jobID string, pageNumber int) (*models.OcrPage, error)
}

// PageSource loads page images by reference
type PageSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Correction is a reviewer's submission
type Correction struct {
	JobID          string                `json:"job_id"`
	PageNumber     int                   `json:"page_number"`
	LineID         string                `json:"line_id,omitempty"`
	LineIndex      *int                  `json:"line_index,omitempty"`
	BoundingBox    *models.BoundingBox   `json:"bbox,omitempty"`
	RecognizedText string                `json:"recognized_text,omitempty"`
	CorrectedText  string                `json:"corrected_text"`
	CorrectionType models.CorrectionType `json:"correction_type,omitempty"`
	CreatedBy      string                `json:"created_by,omitempty"`
}

// TrainRequest asks for a model trained on the validated corrections of jobs
type TrainRequest struct {
	Provider    string   `json:"provider"`
	ModelName   string   `json:"model_name"`
	BaseModel   string   `json:"base_model,omitempty"`
	JobIDs      []string `json:"job_ids"`
	MakeDefault bool     `json:"make_default"`
}

// Evaluation summarizes a model against validated corrections
type Evaluation struct {
	ModelID  string  `json:"model_id"`
	Accuracy float64 `json:"accuracy"`
	CER      float64 `json:"cer"`
	WER      float64 `json:"wer"`
	Samples  int     `json:"samples"`
}

// Service manages corrections and the models trained from them
type Service struct {
	store    Store
	sources  PageSource
	trainers map[string]providers.Trainer
	logger   *logging.Logger
}

// NewService creates a service. trainers maps provider names to the
// providers able to train models.
func NewService(store Store, sources PageSource, trainers map[string]providers.Trainer) *Service {
	if trainers == nil {
		trainers = map[string]providers.Trainer{}
	}
	return &Service{
		store:    store,
		sources:  sources,
		trainers: trainers,
		logger:   logging.NewLogger("GroundTruth"),
	}
}

// Submit records a correction as a new row. When recognized text is not
// supplied it is snapshotted from the stored page.
func (s *Service) Submit(ctx context.Context, c Correction) (*models.OcrGroundTruth, error) {
	if c.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if c.PageNumber < 1 {
		return nil, fmt.Errorf("page number must be positive, got %d", c.PageNumber)
	}
	if !c.CorrectionType.Valid() {
		return nil, fmt.Errorf("unknown correction type %q", c.CorrectionType)
	}
	if c.CorrectedText == "" && c.CorrectionType != models.CorrectionExtra {
		return nil, fmt.Errorf("corrected text is required")
	}
	if _, err := s.store.GetJob(ctx, c.JobID); err != nil {
		return nil, err
	}

	gt := &models.OcrGroundTruth{
		JobID:          c.JobID,
		PageNumber:     c.PageNumber,
		LineID:         c.LineID,
		LineIndex:      c.LineIndex,
		BoundingBox:    c.BoundingBox,
		RecognizedText: c.RecognizedText,
		CorrectedText:  c.CorrectedText,
		CorrectionType: c.CorrectionType,
		CreatedBy:      c.CreatedBy,
	}

	page, err := s.store.GetPage(ctx, c.JobID, c.PageNumber)
	switch {
	case err == nil:
		gt.PageID = page.ID
		if gt.RecognizedText == "" {
			gt.RecognizedText = recognizedText(page, c.LineIndex)
		}
	case !ocrerrors.Is(err, ocrerrors.ErrorNotFound):
		return nil, err
	}

	if err := s.store.CreateGroundTruth(ctx, gt); err != nil {
		return nil, fmt.Errorf("failed to store correction: %w", err)
	}
	s.logger.Info("Correction submitted",
		"id", gt.ID,
		"jobId", gt.JobID,
		"page", gt.PageNumber,
		"type", gt.CorrectionType)
	return gt, nil
}

// Get returns one correction
func (s *Service) Get(ctx context.Context, id string) (*models.OcrGroundTruth, error) {
	return s.store.GetGroundTruth(ctx, id)
}

// UpdateText replaces the corrected text and clears validation
func (s *Service) UpdateText(ctx context.Context, id string, correctedText string, correctionType models.CorrectionType) (*models.OcrGroundTruth, error) {
	if !correctionType.Valid() {
		return nil, fmt.Errorf("unknown correction type %q", correctionType)
	}
	gt, err := s.store.UpdateGroundTruthText(ctx, id, correctedText, correctionType)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Correction edited", "id", id, "jobId", gt.JobID)
	return gt, nil
}

// Validate marks a correction reviewed by validatedBy
func (s *Service) Validate(ctx context.Context, id string, validatedBy string) (*models.OcrGroundTruth, error) {
	if validatedBy == "" {
		return nil, fmt.Errorf("validator is required")
	}
	gt, err := s.store.ValidateGroundTruth(ctx, id, validatedBy)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Correction validated", "id", id, "jobId", gt.JobID, "validatedBy", validatedBy)
	return gt, nil
}

// Delete removes a correction permanently
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteGroundTruth(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Correction deleted", "id", id)
	return nil
}

// List returns corrections matching filter
func (s *Service) List(ctx context.Context, filter storage.GroundTruthFilter) ([]*models.OcrGroundTruth, error) {
	return s.store.ListGroundTruth(ctx, filter)
}

// Dataset builds one training sample per corrected page of jobIDs from
// validated corrections. Line corrections are applied onto the page's
// recognized lines; a page-level correction replaces the whole text.
func (s *Service) Dataset(ctx context.Context, jobIDs []string) ([]providers.TrainingSample, []string, error) {
	var samples []providers.TrainingSample
	var used []string

	for _, jobID := range jobIDs {
		corrections, err := s.store.ListGroundTruth(ctx, storage.GroundTruthFilter{JobID: jobID, ValidatedOnly: true})
		if err != nil {
			return nil, nil, err
		}

		byPage := make(map[int][]*models.OcrGroundTruth)
		for _, gt := range corrections {
			byPage[gt.PageNumber] = append(byPage[gt.PageNumber], gt)
		}
		pageNumbers := make([]int, 0, len(byPage))
		for n := range byPage {
			pageNumbers = append(pageNumbers, n)
		}
		sort.Ints(pageNumbers)

		contributed := false
		for _, n := range pageNumbers {
			page, err := s.store.GetPage(ctx, jobID, n)
			if err != nil {
				s.logger.Warn("Correction without page skipped", "jobId", jobID, "page", n, "error", err)
				continue
			}
			image, err := s.sources.Fetch(ctx, page.ImageURL)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load page %d of job %s: %w", n, jobID, err)
			}
			samples = append(samples, providers.TrainingSample{
				Image:         image,
				Transcription: applyCorrections(page, byPage[n]),
			})
			contributed = true
		}
		if contributed {
			used = append(used, jobID)
		}
	}
	return samples, used, nil
}

// TrainFromCorrections trains a model on the validated corrections of
// req.JobIDs and registers it
func (s *Service) TrainFromCorrections(ctx context.Context, req TrainRequest) (*models.OcrModel, error) {
	trainer, ok := s.trainers[req.Provider]
	if !ok {
		return nil, ocrerrors.NewConfigurationMissingError(req.Provider, "provider cannot train models")
	}
	if req.ModelName == "" {
		return nil, fmt.Errorf("model name is required")
	}

	samples, jobs, err := s.Dataset(ctx, req.JobIDs)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no validated corrections for jobs %s", strings.Join(req.JobIDs, ","))
	}

	s.logger.Info("Training model",
		"provider", req.Provider,
		"model", req.ModelName,
		"samples", len(samples),
		"jobs", len(jobs))

	trained, err := trainer.TrainModel(ctx, providers.TrainingRequest{
		ModelName: req.ModelName,
		BaseModel: req.BaseModel,
		Samples:   samples,
	})
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	model := &models.OcrModel{
		Provider:        req.Provider,
		ModelName:       trained.ModelName,
		Version:         trained.Version,
		Path:            trained.Path,
		IsPretrained:    false,
		TrainedOnJobs:   jobs,
		TrainingSamples: trained.Samples,
		IsActive:        true,
		IsDefault:       req.MakeDefault,
	}
	if err := s.store.CreateModel(ctx, model); err != nil {
		return nil, fmt.Errorf("failed to register model: %w", err)
	}

	s.logger.Info("Model registered", "id", model.ID, "model", model.ModelName, "default", model.IsDefault)
	return model, nil
}

// EvaluateModel scores a model on the validated corrections of pages it
// recognized within jobIDs and stores the metrics on the model.
// Accuracy is 100*(1-CER), floored at 0.
func (s *Service) EvaluateModel(ctx context.Context, modelID string, jobIDs []string) (*Evaluation, error) {
	model, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	var refChars, charEdits, refWords, wordEdits, samples int
	for _, jobID := range jobIDs {
		corrections, err := s.store.ListGroundTruth(ctx, storage.GroundTruthFilter{JobID: jobID, ValidatedOnly: true})
		if err != nil {
			return nil, err
		}
		pages := make(map[int]*models.OcrPage)
		for _, gt := range corrections {
			page, ok := pages[gt.PageNumber]
			if !ok {
				page, err = s.store.GetPage(ctx, jobID, gt.PageNumber)
				if err != nil && !ocrerrors.Is(err, ocrerrors.ErrorNotFound) {
					return nil, err
				}
				pages[gt.PageNumber] = page
			}
			if page == nil || page.ProviderUsed != model.Provider || page.Model != model.ModelName {
				continue
			}

			ref, hyp := []rune(gt.CorrectedText), []rune(gt.RecognizedText)
			refChars += len(ref)
			charEdits += editDistance(ref, hyp)
			refWordList, hypWordList := strings.Fields(gt.CorrectedText), strings.Fields(gt.RecognizedText)
			refWords += len(refWordList)
			wordEdits += editDistance(refWordList, hypWordList)
			samples++
		}
	}
	if samples == 0 {
		return nil, fmt.Errorf("no validated corrections recognized by model %s", model.ModelName)
	}

	eval := &Evaluation{
		ModelID: modelID,
		CER:     ratio(charEdits, refChars),
		WER:     ratio(wordEdits, refWords),
		Samples: samples,
	}
	eval.Accuracy = max(0, 100*(1-eval.CER))

	if err := s.store.UpdateModelMetrics(ctx, modelID, storage.ModelMetrics{
		Accuracy:          eval.Accuracy,
		CER:               eval.CER,
		WER:               eval.WER,
		EvaluationSetSize: samples,
	}); err != nil {
		return nil, fmt.Errorf("failed to store model metrics: %w", err)
	}

	s.logger.Info("Model evaluated",
		"model", model.ModelName,
		"cer", eval.CER,
		"wer", eval.WER,
		"samples", samples)
	return eval, nil
}

func ratio(edits, total int) float64 {
	if total == 0 {
		if edits == 0 {
			return 0
		}
		return 1
	}
	return float64(edits) / float64(total)
}

// pageLines flattens a page's regions into reading order
func pageLines(page *models.OcrPage) []models.Line {
	var lines []models.Line
	for _, r := range page.Regions {
		lines = append(lines, r.Lines...)
	}
	return lines
}

func recognizedText(page *models.OcrPage, lineIndex *int) string {
	if lineIndex == nil {
		return page.Text
	}
	lines := pageLines(page)
	if *lineIndex < 0 || *lineIndex >= len(lines) {
		return ""
	}
	return lines[*lineIndex].Text
}

// applyCorrections produces the corrected transcription of a page. Later
// corrections of the same line win.
func applyCorrections(page *models.OcrPage, corrections []*models.OcrGroundTruth) string {
	sorted := append([]*models.OcrGroundTruth(nil), corrections...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt) })

	var whole *models.OcrGroundTruth
	byLine := make(map[int]string)
	for _, gt := range sorted {
		if gt.LineIndex == nil {
			whole = gt
			continue
		}
		byLine[*gt.LineIndex] = gt.CorrectedText
	}
	if whole != nil {
		return whole.CorrectedText
	}

	lines := pageLines(page)
	if len(lines) == 0 {
		return page.Text
	}
	out := make([]string, 0, len(lines))
	for i, l := range lines {
		text := l.Text
		if corrected, ok := byLine[i]; ok {
			text = corrected
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n")
}
