/**
 * Cloud API provider
 *
 * Billable, rate-limited recognition service reached only through the
 * gateway, which holds the API key. The service may answer synchronously or
 * hand back a task id; the latter is polled through cloud_ocr.status.
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
	actionCloudRecognize = "cloud_ocr.recognize"
	actionCloudStatus    = "cloud_ocr.status"
)

type cloudResponse struct {
	TaskID     string       `json:"task_id,omitempty"`
	Status     string       `json:"status,omitempty"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Model      string       `json:"model"`
	Language   string       `json:"language"`
	Lines      []remoteLine `json:"lines"`
}

// CloudProvider recognizes pages with the cloud OCR API
type CloudProvider struct {
	gateway Gateway
	configs ConfigSource
	poller  *clients.TaskPoller
}

// NewCloudProvider creates the cloud provider
func NewCloudProvider(gateway Gateway, configs ConfigSource, poller *clients.TaskPoller) *CloudProvider {
	return &CloudProvider{gateway: gateway, configs: configs, poller: poller}
}

func (p *CloudProvider) Name() string  { return models.ProviderCloudAPI }
func (p *CloudProvider) IsCloud() bool { return true }

func (p *CloudProvider) RequiresConfig() bool { return true }

// Recognize sends one page to the cloud API
func (p *CloudProvider) Recognize(ctx context.Context, img Image, opts Options) (*Result, error) {
	startTime := time.Now()

	cfg, err := requireRemoteConfig(ctx, p.configs, p.Name())
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"endpoint":    cfg.BaseURL,
		"api_version": cfg.APIVersion,
		"image":       encodeImage(img),
		"mime_type":   img.MimeType,
		"languages":   opts.Languages,
		"options":     cfg.DefaultOptions,
	}
	if opts.Model != "" {
		params["model"] = opts.Model
	}

	data, err := p.gateway.Invoke(ctx, p.Name(), actionCloudRecognize, params)
	if err != nil {
		return nil, err
	}

	var resp cloudResponse
	if err := decodeData(p.Name(), actionCloudRecognize, data, &resp); err != nil {
		return nil, err
	}

	if resp.TaskID != "" && resp.Text == "" && len(resp.Lines) == 0 {
		result, err := p.waitForTask(ctx, cfg.BaseURL, resp.TaskID)
		if err != nil {
			return nil, err
		}
		resp = *result
	}

	result := p.toResult(&resp, cfg.BaseURL)
	result.ProcessingTime = time.Since(startTime)
	return result, nil
}

// CheckStatus asks for the state of an async recognition task.
// done is false while the task is still running.
func (p *CloudProvider) CheckStatus(ctx context.Context, taskID string) (result *Result, done bool, err error) {
	cfg, err := requireRemoteConfig(ctx, p.configs, p.Name())
	if err != nil {
		return nil, false, err
	}

	status, err := p.status(ctx, cfg.BaseURL, taskID)
	if err != nil {
		return nil, false, err
	}

	finished, failed := status.Finished()
	if !finished {
		return nil, false, nil
	}
	if failed {
		return nil, true, p.taskFailed(taskID, status)
	}

	var resp cloudResponse
	if err := decodeData(p.Name(), actionCloudStatus, status.Result, &resp); err != nil {
		return nil, true, err
	}
	return p.toResult(&resp, cfg.BaseURL), true, nil
}

func (p *CloudProvider) waitForTask(ctx context.Context, endpoint string, taskID string) (*cloudResponse, error) {
	task, err := p.poller.Wait(ctx, taskID, func(ctx context.Context) (*clients.TaskStatus, error) {
		return p.status(ctx, endpoint, taskID)
	})
	if err != nil {
		return nil, err
	}

	var resp cloudResponse
	if err := decodeData(p.Name(), actionCloudStatus, task.Result, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *CloudProvider) status(ctx context.Context, endpoint string, taskID string) (*clients.TaskStatus, error) {
	data, err := p.gateway.Invoke(ctx, p.Name(), actionCloudStatus, map[string]interface{}{
		"endpoint": endpoint,
		"task_id":  taskID,
	})
	if err != nil {
		return nil, err
	}

	var status clients.TaskStatus
	if err := decodeData(p.Name(), actionCloudStatus, data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (p *CloudProvider) taskFailed(taskID string, status *clients.TaskStatus) error {
	msg := status.Error
	if msg == "" {
		msg = status.Status
	}
	return ocrerrors.NewProviderFailedError(p.Name(), fmt.Errorf("task %s failed: %s", taskID, msg))
}

func (p *CloudProvider) toResult(resp *cloudResponse, endpoint string) *Result {
	lines := toModelLines(resp.Lines)
	text := resp.Text
	if text == "" {
		text = JoinLines(lines)
	}
	confidence := normalizeConfidence(resp.Confidence)
	if resp.Confidence == 0 {
		confidence = MeanConfidence(lines)
	}

	return &Result{
		Text:       text,
		Confidence: confidence,
		Lines:      lines,
		Regions:    toRegions(resp.Lines, lines),
		Provider:   p.Name(),
		Model:      resp.Model,
		Language:   resp.Language,
		Endpoint:   endpoint,
	}
}
