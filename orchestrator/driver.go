package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/deckflow/deckflow/orchestrator/gpu"
	"github.com/deckflow/deckflow/orchestrator/observability"
	"github.com/deckflow/deckflow/orchestrator/queue"
	"github.com/deckflow/deckflow/orchestrator/store"
)

// Upstream error text kept in last_error is capped at 2KB.
const maxErrorLen = 2048

// taskOptions are the typed keys parsed out of the opaque options bag.
// Unknown keys pass through the queue untouched.
type taskOptions struct {
	UseSingleTemplate  bool   `json:"use_single_template,omitempty"`
	SelectedTemplateID *int64 `json:"selected_template_id,omitempty"`
	GenerateThumbnails bool   `json:"generate_thumbnails,omitempty"`
	UserID             int64  `json:"user_id,omitempty"`
	ProjectID          int64  `json:"project_id,omitempty"`
}

// DriverPool runs a fixed number of pipeline drivers, each processing one
// leased task at a time. Phases inside a driver run sequentially.
type DriverPool struct {
	manager *queue.Manager
	store   store.Store
	gpu     *gpu.Client
	cfg     Config
}

// NewDriverPool creates a pool sized by cfg.MaxConcurrentTasks.
func NewDriverPool(manager *queue.Manager, s store.Store, gpuClient *gpu.Client, cfg Config) *DriverPool {
	return &DriverPool{
		manager: manager,
		store:   s,
		gpu:     gpuClient,
		cfg:     cfg,
	}
}

// Start launches the driver goroutines. They stop when ctx is cancelled.
func (p *DriverPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.MaxConcurrentTasks; i++ {
		go p.runLoop(ctx, i)
	}
	log.Printf("Driver: started %d pipeline drivers (poll interval %v)", p.cfg.MaxConcurrentTasks, p.cfg.PollInterval)
}

// runLoop polls the queue and drives one task at a time. After finishing a
// task it polls again immediately; only an empty queue sleeps.
func (p *DriverPool) runLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.manager.NextTask(ctx)
		if err != nil {
			log.Printf("Driver %d: failed to lease task: %v", id, err)
		} else if task != nil {
			observability.ActiveDrivers.Inc()
			p.runTask(ctx, task)
			observability.ActiveDrivers.Dec()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// runTask executes the phase sequence for a leased task. Lease loss at any
// progress or completion write aborts silently; the task belongs to the
// next worker now.
func (p *DriverPool) runTask(ctx context.Context, t *store.Task) {
	log.Printf("Driver: running %s task %d for document %d (attempt %d/%d)", t.TaskType, t.ID, t.DocumentID, t.RetryCount+1, t.MaxRetries)

	var err error
	switch t.TaskType {
	case store.TaskPDFAnalysis:
		err = p.runAnalysisPipeline(ctx, t)
	case store.TaskSpecializedClinical, store.TaskSpecializedRegulatory, store.TaskSpecializedScience:
		err = p.runSpecializedTask(ctx, t)
	default:
		err = fmt.Errorf("unknown task type %q", t.TaskType)
	}

	if errors.Is(err, store.ErrLeaseLost) {
		log.Printf("Driver: lost lease on task %d, aborting", t.ID)
		return
	}
	if err != nil {
		p.failTask(ctx, t, err)
		return
	}

	if completeErr := p.manager.CompleteTaskAndCreateSpecialized(ctx, t, true, "", "", nil); completeErr != nil {
		if errors.Is(completeErr, store.ErrLeaseLost) {
			log.Printf("Driver: lost lease completing task %d", t.ID)
			return
		}
		log.Printf("Driver: failed to complete task %d: %v", t.ID, completeErr)
	}
}

// failTask terminates the attempt with the phase error. The queue store
// decides between retry (with backoff) and terminal failure.
func (p *DriverPool) failTask(ctx context.Context, t *store.Task, taskErr error) {
	msg := truncateError(taskErr.Error())
	log.Printf("Driver: task %d failed: %s", t.ID, msg)
	if err := p.manager.CompleteTask(ctx, t, false, "", msg, nil); err != nil && !errors.Is(err, store.ErrLeaseLost) {
		log.Printf("Driver: failed to record failure of task %d: %v", t.ID, err)
	}
}

// runAnalysisPipeline drives the four phases of a pdf_analysis task.
func (p *DriverPool) runAnalysisPipeline(ctx context.Context, t *store.Task) error {
	var opts taskOptions
	if len(t.ProcessingOptions) > 0 {
		if err := json.Unmarshal(t.ProcessingOptions, &opts); err != nil {
			return fmt.Errorf("invalid processing options: %w", err)
		}
	}

	if err := p.progress(ctx, t, 5, "Sending to GPU", "Dispatching document to GPU worker"); err != nil {
		return err
	}

	if err := p.runVisualAnalysis(ctx, t); err != nil {
		return err
	}
	if err := p.runExtraction(ctx, t); err != nil {
		return err
	}
	if err := p.runTemplateAnalysis(ctx, t, opts); err != nil {
		return err
	}
	// P4 failures never fail the task; the dependent specialized tasks
	// get another chance offline.
	p.runInlineSpecialized(ctx, t)

	return p.progress(ctx, t, 95, "Analysis Complete", "All phases finished")
}

// runVisualAnalysis is P1 (progress 10 -> 30), including slide feedback
// generation from the images the GPU rendered.
func (p *DriverPool) runVisualAnalysis(ctx context.Context, t *store.Task) error {
	visionModel, err := p.store.GetConfigValue(ctx, "vision_model")
	if err != nil {
		return fmt.Errorf("Visual analysis failed - read config: %w", err)
	}
	if visionModel == "" {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseVisualAnalysis, "config_missing").Inc()
		return errors.New("Visual analysis failed - no vision model configured")
	}
	feedbackPrompt, err := p.store.GetPrompt(ctx, "slide_feedback")
	if err != nil {
		return fmt.Errorf("Visual analysis failed - read prompt: %w", err)
	}
	if feedbackPrompt == "" {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseVisualAnalysis, "config_missing").Inc()
		return errors.New("Visual analysis failed - no slide_feedback prompt configured")
	}

	if err := p.progress(ctx, t, 10, "Visual Analysis", "Running visual analysis"); err != nil {
		return err
	}

	start := time.Now()
	resp, err := p.gpu.RunVisualAnalysisBatch(ctx, &gpu.VisualAnalysisRequest{
		DeckIDs:     []int64{t.DocumentID},
		FilePaths:   []string{t.FilePath},
		VisionModel: visionModel,
	})
	observability.PhaseDuration.WithLabelValues(gpu.PhaseVisualAnalysis).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseVisualAnalysis, errorKind(err)).Inc()
		return fmt.Errorf("Visual analysis failed - %s", upstreamMessage(err))
	}

	if len(resp.Results) > 0 {
		if err := p.store.SaveVisualAnalysis(ctx, t.DocumentID, visionModel, feedbackPrompt, resp.Results); err != nil {
			log.Printf("Driver: failed to cache visual analysis for document %d: %v", t.DocumentID, err)
		}
	}

	// Per-slide feedback. Individual slide failures are logged, never fatal.
	for i, image := range resp.SlideImages {
		fb, err := p.gpu.AnalyzeImages(ctx, &gpu.AnalyzeImagesRequest{
			Images:  []string{image},
			Prompt:  feedbackPrompt,
			Model:   visionModel,
			Options: gpu.ImageOptions{NumCtx: 4096, Temperature: 0.3},
		})
		if err != nil {
			log.Printf("Driver: slide feedback for document %d slide %d failed: %v", t.DocumentID, i+1, err)
			continue
		}
		if len(fb.Results) == 0 {
			continue
		}
		if err := p.store.SaveSlideFeedback(ctx, t.DocumentID, i+1, fb.Results[0]); err != nil {
			log.Printf("Driver: failed to save slide feedback for document %d slide %d: %v", t.DocumentID, i+1, err)
		}
	}

	return p.progress(ctx, t, 30, "Visual Analysis Complete", "Visual analysis finished")
}

// runExtraction is P2 (progress 40 -> 60).
func (p *DriverPool) runExtraction(ctx context.Context, t *store.Task) error {
	textModel, err := p.store.GetConfigValue(ctx, "text_model")
	if err != nil {
		return fmt.Errorf("Data extraction failed - read config: %w", err)
	}
	if textModel == "" {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseExtraction, "config_missing").Inc()
		return errors.New("Data extraction failed - no text model configured")
	}

	if err := p.progress(ctx, t, 40, "Data Extraction", "Extracting structured data"); err != nil {
		return err
	}

	start := time.Now()
	_, err = p.gpu.RunExtractionExperiment(ctx, &gpu.ExtractionRequest{
		DeckIDs:        []int64{t.DocumentID},
		ExperimentName: fmt.Sprintf("doc-%d-extraction", t.DocumentID),
		ExtractionType: "all",
		TextModel:      textModel,
		ProcessingOptions: map[string]any{
			"classification": true,
			"company_name":   true,
			"funding_amount": true,
			"deck_date":      true,
		},
	})
	observability.PhaseDuration.WithLabelValues(gpu.PhaseExtraction).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseExtraction, errorKind(err)).Inc()
		return fmt.Errorf("Data extraction failed - %s", upstreamMessage(err))
	}

	return p.progress(ctx, t, 60, "Extraction Complete", "Data extraction finished")
}

// runTemplateAnalysis is P3 (progress 70 -> 80). Per-chapter results arrive
// asynchronously through the save-template-processing callback.
func (p *DriverPool) runTemplateAnalysis(ctx context.Context, t *store.Task, opts taskOptions) error {
	templateID, err := p.resolveTemplateID(ctx, opts)
	if err != nil {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseTemplateAnalysis, "config_missing").Inc()
		return err
	}

	if err := p.progress(ctx, t, 70, "Template Analysis", "Running template analysis"); err != nil {
		return err
	}

	start := time.Now()
	_, err = p.gpu.RunTemplateProcessing(ctx, []int64{t.DocumentID}, templateID, true,
		p.cfg.BackendBaseURL+"/api/internal/save-template-processing")
	observability.PhaseDuration.WithLabelValues(gpu.PhaseTemplateAnalysis).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseTemplateAnalysis, errorKind(err)).Inc()
		return fmt.Errorf("Template analysis failed - %s", upstreamMessage(err))
	}

	return nil
}

// resolveTemplateID prefers the per-task selection, falling back to the
// configured default. No template is a hard failure, not a silent skip.
func (p *DriverPool) resolveTemplateID(ctx context.Context, opts taskOptions) (int64, error) {
	if opts.SelectedTemplateID != nil && *opts.SelectedTemplateID > 0 {
		return *opts.SelectedTemplateID, nil
	}
	raw, err := p.store.GetConfigValue(ctx, "default_template_id")
	if err != nil {
		return 0, fmt.Errorf("Template analysis failed - read config: %w", err)
	}
	if raw == "" {
		return 0, errors.New("Template analysis failed - no default_template_id configured")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("Template analysis failed - invalid default_template_id %q", raw)
	}
	return id, nil
}

// runInlineSpecialized is P4 (progress 80 -> 95). Errors are swallowed:
// a failed progress step records the problem but the task still completes.
func (p *DriverPool) runInlineSpecialized(ctx context.Context, t *store.Task) {
	if err := p.progress(ctx, t, 80, "Specialized Analysis", "Running specialized analysis"); err != nil {
		return
	}

	start := time.Now()
	_, err := p.gpu.RunSpecializedAnalysis(ctx, []int64{t.DocumentID},
		p.cfg.BackendBaseURL+"/api/internal/save-specialized-analysis")
	observability.PhaseDuration.WithLabelValues(gpu.PhaseSpecializedAnalysis).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseSpecializedAnalysis, errorKind(err)).Inc()
		log.Printf("Driver: specialized analysis for document %d failed (non-fatal): %v", t.DocumentID, err)
		stepErr := p.manager.UpdateTaskProgress(ctx, t, 80, "Specialized Analysis",
			"Specialized analysis failed: "+truncateError(upstreamMessage(err)), "failed", nil)
		if stepErr != nil && !errors.Is(stepErr, store.ErrLeaseLost) {
			log.Printf("Driver: failed to record specialized failure for task %d: %v", t.ID, stepErr)
		}
	}
}

// runSpecializedTask drives a dependent specialized_* task end to end.
func (p *DriverPool) runSpecializedTask(ctx context.Context, t *store.Task) error {
	if err := p.progress(ctx, t, 10, "Specialized Analysis", "Running specialized analysis"); err != nil {
		return err
	}

	start := time.Now()
	_, err := p.gpu.RunSpecializedAnalysis(ctx, []int64{t.DocumentID},
		p.cfg.BackendBaseURL+"/api/internal/save-specialized-analysis")
	observability.PhaseDuration.WithLabelValues(gpu.PhaseSpecializedAnalysis).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PhaseFailures.WithLabelValues(gpu.PhaseSpecializedAnalysis, errorKind(err)).Inc()
		return fmt.Errorf("Specialized analysis failed - %s", upstreamMessage(err))
	}

	return p.progress(ctx, t, 95, "Analysis Complete", "Specialized analysis finished")
}

func (p *DriverPool) progress(ctx context.Context, t *store.Task, percent int, step, message string) error {
	return p.manager.UpdateTaskProgress(ctx, t, percent, step, message, "completed", nil)
}

// errorKind classifies a phase error for metrics.
func errorKind(err error) string {
	var phaseErr *gpu.PhaseError
	if errors.As(err, &phaseErr) {
		return "phase_rejected"
	}
	return "phase_upstream"
}

// upstreamMessage extracts the message to embed in last_error.
func upstreamMessage(err error) string {
	var phaseErr *gpu.PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.Message
	}
	return err.Error()
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
