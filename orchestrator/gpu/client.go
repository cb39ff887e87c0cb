package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deckflow/deckflow/orchestrator/observability"
)

// Per-endpoint timeouts. Template and specialized runs are the slow ones.
const (
	visualAnalysisTimeout      = 300 * time.Second
	extractionTimeout          = 120 * time.Second
	templateProcessingTimeout  = 600 * time.Second
	specializedAnalysisTimeout = 600 * time.Second
	analyzeImagesTimeout       = 120 * time.Second
	healthTimeout              = 5 * time.Second
)

// Client is a thin typed wrapper around the GPU worker's HTTP endpoints.
// Timeouts are enforced per call; a 2xx with success:false surfaces as a
// PhaseError so the driver can distinguish rejection from transport failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the GPU worker at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// post sends a JSON request and decodes the enveloped response into out.
// out must embed envelope (directly or via the response structs above).
func (c *Client) post(ctx context.Context, phase, path string, timeout time.Duration, reqBody, out interface{}) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", phase, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", phase, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.GPURequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", phase, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", phase, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: GPU worker returned status %d: %s", phase, resp.StatusCode, snippet(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", phase, err)
	}

	if env, ok := out.(interface{ ok() (bool, string) }); ok {
		if success, msg := env.ok(); !success {
			return &PhaseError{Phase: phase, Message: msg}
		}
	}
	return nil
}

func (e envelope) ok() (bool, string) {
	return e.Success, e.Error
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// RunVisualAnalysisBatch runs phase P1 for the given decks.
func (c *Client) RunVisualAnalysisBatch(ctx context.Context, req *VisualAnalysisRequest) (*VisualAnalysisResponse, error) {
	var out VisualAnalysisResponse
	if err := c.post(ctx, PhaseVisualAnalysis, "/api/run-visual-analysis-batch", visualAnalysisTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunExtractionExperiment runs phase P2.
func (c *Client) RunExtractionExperiment(ctx context.Context, req *ExtractionRequest) (*ExtractionResponse, error) {
	var out ExtractionResponse
	if err := c.post(ctx, PhaseExtraction, "/api/run-extraction-experiment", extractionTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunTemplateProcessing runs phase P3. Per-chapter results arrive through
// the callback URL inside req.
func (c *Client) RunTemplateProcessing(ctx context.Context, deckIDs []int64, templateID int64, generateThumbnails bool, callbackURL string) (*TemplateProcessingResponse, error) {
	req := &TemplateProcessingRequest{
		DeckIDs:    deckIDs,
		TemplateID: templateID,
		ProcessingOptions: templateProcessingOptions{
			GenerateThumbnails: generateThumbnails,
			CallbackURL:        callbackURL,
		},
	}
	var out TemplateProcessingResponse
	if err := c.post(ctx, PhaseTemplateAnalysis, "/api/run-template-processing-only", templateProcessingTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunSpecializedAnalysis runs the optional phase P4.
func (c *Client) RunSpecializedAnalysis(ctx context.Context, deckIDs []int64, callbackURL string) (*SpecializedAnalysisResponse, error) {
	req := &SpecializedAnalysisRequest{
		DeckIDs:           deckIDs,
		ProcessingOptions: specializedProcessingOptions{CallbackURL: callbackURL},
	}
	var out SpecializedAnalysisResponse
	if err := c.post(ctx, PhaseSpecializedAnalysis, "/api/run-specialized-analysis-only", specializedAnalysisTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeImages runs a prompt over slide images (slide feedback generation).
func (c *Client) AnalyzeImages(ctx context.Context, req *AnalyzeImagesRequest) (*AnalyzeImagesResponse, error) {
	var out AnalyzeImagesResponse
	if err := c.post(ctx, PhaseSlideFeedback, "/analyze-images", analyzeImagesTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the GPU worker liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GPU worker health returned status %d", resp.StatusCode)
	}
	return nil
}
