package gpu

import (
	"encoding/json"
	"fmt"
)

// Pipeline phase names used in errors, metrics, and last_error prefixes.
const (
	PhaseVisualAnalysis      = "visual_analysis"
	PhaseExtraction          = "extraction"
	PhaseTemplateAnalysis    = "template_analysis"
	PhaseSpecializedAnalysis = "specialized_analysis"
	PhaseSlideFeedback       = "slide_feedback"
)

// PhaseError is an application-level rejection from the GPU worker:
// a 2xx response carrying success:false.
type PhaseError struct {
	Phase   string
	Message string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s rejected by GPU worker: %s", e.Phase, e.Message)
}

// envelope is the common response wrapper on every GPU endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// VisualAnalysisRequest runs the batch visual pass for one or more decks.
type VisualAnalysisRequest struct {
	DeckIDs     []int64  `json:"deck_ids"`
	FilePaths   []string `json:"file_paths"`
	VisionModel string   `json:"vision_model"`
}

// VisualAnalysisResponse reports per-deck results and the slide images the
// GPU rendered while analyzing, used for slide-feedback generation.
type VisualAnalysisResponse struct {
	envelope
	SlideImages []string        `json:"slide_images,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
}

// ExtractionRequest runs the structured-data extraction pass.
type ExtractionRequest struct {
	DeckIDs           []int64        `json:"deck_ids"`
	ExperimentName    string         `json:"experiment_name"`
	ExtractionType    string         `json:"extraction_type"`
	TextModel         string         `json:"text_model"`
	ProcessingOptions map[string]any `json:"processing_options,omitempty"`
}

// ExtractionResponse carries the extraction sub-results blob.
type ExtractionResponse struct {
	envelope
	Results json.RawMessage `json:"results,omitempty"`
}

// TemplateProcessingRequest runs chapter-by-chapter template analysis.
// The GPU posts per-chapter results to CallbackURL as it goes.
type TemplateProcessingRequest struct {
	DeckIDs           []int64                   `json:"deck_ids"`
	TemplateID        int64                     `json:"template_id"`
	ProcessingOptions templateProcessingOptions `json:"processing_options"`
}

type templateProcessingOptions struct {
	GenerateThumbnails bool   `json:"generate_thumbnails"`
	CallbackURL        string `json:"callback_url,omitempty"`
}

// TemplateProcessingResponse acknowledges the template run.
type TemplateProcessingResponse struct {
	envelope
	Results json.RawMessage `json:"results,omitempty"`
}

// SpecializedAnalysisRequest runs the optional in-task specialized pass.
type SpecializedAnalysisRequest struct {
	DeckIDs           []int64                      `json:"deck_ids"`
	ProcessingOptions specializedProcessingOptions `json:"processing_options"`
}

type specializedProcessingOptions struct {
	CallbackURL string `json:"callback_url,omitempty"`
}

// SpecializedAnalysisResponse acknowledges the specialized run.
type SpecializedAnalysisResponse struct {
	envelope
	Results json.RawMessage `json:"results,omitempty"`
}

// AnalyzeImagesRequest asks the GPU to run a prompt over slide images.
type AnalyzeImagesRequest struct {
	Images  []string     `json:"images"`
	Prompt  string       `json:"prompt"`
	Model   string       `json:"model,omitempty"`
	Options ImageOptions `json:"options"`
}

// ImageOptions are model sampling knobs for image analysis.
type ImageOptions struct {
	NumCtx      int     `json:"num_ctx,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AnalyzeImagesResponse returns one text per submitted image.
type AnalyzeImagesResponse struct {
	envelope
	Results []string `json:"results,omitempty"`
}
