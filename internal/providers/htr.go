/**
 * HTR provider - handwritten text recognition specialist
 *
 * Drives a project-based HTR service through the gateway:
 *   create project -> import image -> segment (polled) -> transcribe (polled)
 *   -> fetch transcription -> export PAGE-XML / ALTO-XML
 * Segmentation, transcription and training are async tasks tracked by a
 * TaskPoller, so every wait is bounded by interval x max attempts.
 */

package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/ocr-orchestrator/internal/clients"
	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

const (
	actionHTRCreateProject    = "htr.create_project"
	actionHTRImportImage      = "htr.import_image"
	actionHTRSegment          = "htr.segment"
	actionHTRTranscribe       = "htr.transcribe"
	actionHTRTaskStatus       = "htr.task_status"
	actionHTRGetTranscription = "htr.get_transcription"
	actionHTRExport           = "htr.export"
	actionHTRTrainModel       = "htr.train_model"

	defaultHTRModel = "default"
)

type htrProject struct {
	ProjectID string `json:"project_id"`
}

type htrImport struct {
	DocumentID string `json:"document_id"`
	PartID     string `json:"part_id"`
}

type htrTask struct {
	TaskID string `json:"task_id"`
}

type htrTranscription struct {
	Model string       `json:"model"`
	Lines []remoteLine `json:"lines"`
}

type htrExport struct {
	Content string `json:"content"`
}

type htrTrained struct {
	ModelName string `json:"model_name"`
	Version   string `json:"version"`
	Path      string `json:"path"`
}

// htrPage identifies one imported page on the HTR service
type htrPage struct {
	endpoint   string
	projectID  string
	documentID string
	partID     string
}

func (pg htrPage) params(extra map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"endpoint":    pg.endpoint,
		"project_id":  pg.projectID,
		"document_id": pg.documentID,
		"part_id":     pg.partID,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// HTRProvider recognizes handwritten pages
type HTRProvider struct {
	gateway Gateway
	configs ConfigSource
	poller  *clients.TaskPoller
}

// NewHTRProvider creates the HTR provider
func NewHTRProvider(gateway Gateway, configs ConfigSource, poller *clients.TaskPoller) *HTRProvider {
	return &HTRProvider{gateway: gateway, configs: configs, poller: poller}
}

func (p *HTRProvider) Name() string  { return models.ProviderHTR }
func (p *HTRProvider) IsCloud() bool { return false }

func (p *HTRProvider) RequiresConfig() bool { return true }

// Recognize runs the full HTR workflow for one page
func (p *HTRProvider) Recognize(ctx context.Context, img Image, opts Options) (*Result, error) {
	startTime := time.Now()

	cfg, err := requireRemoteConfig(ctx, p.configs, p.Name())
	if err != nil {
		return nil, err
	}

	page, err := p.importPage(ctx, cfg.BaseURL, projectName(opts), img)
	if err != nil {
		return nil, err
	}

	if err := p.runTask(ctx, actionHTRSegment, page.params(map[string]interface{}{
		"line_segmentation": true,
		"regions":           opts.LineSegmentation,
	})); err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = defaultHTRModel
	}
	if err := p.runTask(ctx, actionHTRTranscribe, page.params(map[string]interface{}{
		"model":     model,
		"languages": opts.Languages,
	})); err != nil {
		return nil, err
	}

	data, err := p.gateway.Invoke(ctx, p.Name(), actionHTRGetTranscription, page.params(nil))
	if err != nil {
		return nil, err
	}
	var transcription htrTranscription
	if err := decodeData(p.Name(), actionHTRGetTranscription, data, &transcription); err != nil {
		return nil, err
	}
	if transcription.Model != "" {
		model = transcription.Model
	}

	lines := toModelLines(transcription.Lines)
	result := &Result{
		Text:       JoinLines(lines),
		Confidence: MeanConfidence(lines),
		Lines:      lines,
		Regions:    toRegions(transcription.Lines, lines),
		Provider:   p.Name(),
		Model:      model,
		Endpoint:   cfg.BaseURL,
	}

	for _, format := range opts.Exports {
		content, err := p.export(ctx, page, format)
		if err != nil {
			return nil, err
		}
		switch format {
		case ExportPageXML:
			result.PageXML = content
		case ExportAltoXML:
			result.AltoXML = content
		}
	}

	result.ProcessingTime = time.Since(startTime)
	return result, nil
}

// TrainModel fine-tunes a model from (image, transcription) pairs
func (p *HTRProvider) TrainModel(ctx context.Context, req TrainingRequest) (*TrainedModel, error) {
	if len(req.Samples) == 0 {
		return nil, fmt.Errorf("training requires at least one sample")
	}
	if req.ModelName == "" {
		return nil, fmt.Errorf("model name is required")
	}

	cfg, err := requireRemoteConfig(ctx, p.configs, p.Name())
	if err != nil {
		return nil, err
	}

	projectID, err := p.createProject(ctx, cfg.BaseURL, "training-"+req.ModelName)
	if err != nil {
		return nil, err
	}

	for i, sample := range req.Samples {
		_, err := p.gateway.Invoke(ctx, p.Name(), actionHTRImportImage, map[string]interface{}{
			"endpoint":      cfg.BaseURL,
			"project_id":    projectID,
			"image":         encodeImage(Image{Data: sample.Image}),
			"filename":      fmt.Sprintf("sample-%04d.png", i+1),
			"transcription": sample.Transcription,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to import training sample %d: %w", i+1, err)
		}
	}

	data, err := p.gateway.Invoke(ctx, p.Name(), actionHTRTrainModel, map[string]interface{}{
		"endpoint":   cfg.BaseURL,
		"project_id": projectID,
		"model_name": req.ModelName,
		"base_model": req.BaseModel,
	})
	if err != nil {
		return nil, err
	}

	var task htrTask
	if err := decodeData(p.Name(), actionHTRTrainModel, data, &task); err != nil {
		return nil, err
	}

	done, err := p.poller.Wait(ctx, task.TaskID, p.statusFunc(cfg.BaseURL, task.TaskID))
	if err != nil {
		return nil, err
	}

	trained := htrTrained{ModelName: req.ModelName}
	if len(done.Result) > 0 {
		if err := decodeData(p.Name(), actionHTRTrainModel, done.Result, &trained); err != nil {
			return nil, err
		}
	}

	return &TrainedModel{
		ModelName: trained.ModelName,
		Version:   trained.Version,
		Path:      trained.Path,
		Samples:   len(req.Samples),
	}, nil
}

func (p *HTRProvider) createProject(ctx context.Context, endpoint string, name string) (string, error) {
	data, err := p.gateway.Invoke(ctx, p.Name(), actionHTRCreateProject, map[string]interface{}{
		"endpoint": endpoint,
		"name":     name,
	})
	if err != nil {
		return "", err
	}

	var project htrProject
	if err := decodeData(p.Name(), actionHTRCreateProject, data, &project); err != nil {
		return "", err
	}
	if project.ProjectID == "" {
		return "", ocrerrors.NewProviderFailedError(p.Name(), fmt.Errorf("service returned no project id"))
	}
	return project.ProjectID, nil
}

func (p *HTRProvider) importPage(ctx context.Context, endpoint string, name string, img Image) (htrPage, error) {
	projectID, err := p.createProject(ctx, endpoint, name)
	if err != nil {
		return htrPage{}, err
	}

	filename := img.Name
	if filename == "" {
		filename = "page.png"
	}
	data, err := p.gateway.Invoke(ctx, p.Name(), actionHTRImportImage, map[string]interface{}{
		"endpoint":   endpoint,
		"project_id": projectID,
		"image":      encodeImage(img),
		"filename":   filename,
	})
	if err != nil {
		return htrPage{}, err
	}

	var imported htrImport
	if err := decodeData(p.Name(), actionHTRImportImage, data, &imported); err != nil {
		return htrPage{}, err
	}

	return htrPage{
		endpoint:   endpoint,
		projectID:  projectID,
		documentID: imported.DocumentID,
		partID:     imported.PartID,
	}, nil
}

// runTask starts an async step and waits for it with the poller
func (p *HTRProvider) runTask(ctx context.Context, action string, params map[string]interface{}) error {
	data, err := p.gateway.Invoke(ctx, p.Name(), action, params)
	if err != nil {
		return err
	}

	var task htrTask
	if err := decodeData(p.Name(), action, data, &task); err != nil {
		return err
	}
	if task.TaskID == "" {
		// finished synchronously
		return nil
	}

	endpoint, _ := params["endpoint"].(string)
	_, err = p.poller.Wait(ctx, task.TaskID, p.statusFunc(endpoint, task.TaskID))
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (p *HTRProvider) statusFunc(endpoint string, taskID string) clients.StatusFunc {
	return func(ctx context.Context) (*clients.TaskStatus, error) {
		data, err := p.gateway.Invoke(ctx, p.Name(), actionHTRTaskStatus, map[string]interface{}{
			"endpoint": endpoint,
			"task_id":  taskID,
		})
		if err != nil {
			return nil, err
		}
		var status clients.TaskStatus
		if err := decodeData(p.Name(), actionHTRTaskStatus, data, &status); err != nil {
			return nil, err
		}
		return &status, nil
	}
}

func (p *HTRProvider) export(ctx context.Context, page htrPage, format ExportFormat) (string, error) {
	remote := "pagexml"
	if format == ExportAltoXML {
		remote = "alto"
	}

	data, err := p.gateway.Invoke(ctx, p.Name(), actionHTRExport, page.params(map[string]interface{}{
		"format": remote,
	}))
	if err != nil {
		return "", err
	}

	var exported htrExport
	if err := decodeData(p.Name(), actionHTRExport, data, &exported); err != nil {
		return "", err
	}
	return exported.Content, nil
}

func projectName(opts Options) string {
	if opts.JobID == "" {
		return fmt.Sprintf("ocr-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("ocr-%s-p%d", opts.JobID, opts.PageNumber)
}
