package store

import (
	"encoding/json"
	"time"
)

// Task statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetry      = "retry"
)

// Task types.
const (
	TaskPDFAnalysis           = "pdf_analysis"
	TaskSpecializedClinical   = "specialized_clinical"
	TaskSpecializedRegulatory = "specialized_regulatory"
	TaskSpecializedScience    = "specialized_science"
)

// Dequeue priorities. Higher values are leased first.
const (
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// Dependency types for task_dependencies edges.
const (
	DependencyCompletion  = "completion"   // satisfied once the parent is terminal
	DependencySuccessOnly = "success_only" // satisfied only when the parent completed
)

// Document processing states mirrored onto the external documents row.
const (
	DocQueued     = "queued"
	DocProcessing = "processing"
	DocCompleted  = "completed"
	DocFailed     = "failed"
)

// Task is one row of processing_queue: a single unit of document work.
type Task struct {
	ID                 int64           `json:"id"`
	DocumentID         int64           `json:"document_id"`
	TaskType           string          `json:"task_type"`
	Status             string          `json:"status"`
	Priority           int             `json:"priority"`
	FilePath           string          `json:"file_path"`
	CompanyID          string          `json:"company_id"`
	ProcessingOptions  json.RawMessage `json:"processing_options,omitempty"`
	ProgressPercentage int             `json:"progress_percentage"`
	CurrentStep        string          `json:"current_step"`
	ProgressMessage    string          `json:"progress_message"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	RetryCount         int             `json:"retry_count"`
	MaxRetries         int             `json:"max_retries"`
	NextRetryAt        *time.Time      `json:"next_retry_at,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	ErrorCount         int             `json:"error_count"`
	LockedBy           string          `json:"locked_by,omitempty"`
	LockedAt           *time.Time      `json:"locked_at,omitempty"`
	LockExpiresAt      *time.Time      `json:"lock_expires_at,omitempty"`
	ResultsFilePath    string          `json:"results_file_path,omitempty"`
	ProcessingMetadata json.RawMessage `json:"processing_metadata,omitempty"`
}

// Active reports whether the task occupies the per-document slot.
func (t *Task) Active() bool {
	return t.Status == StatusQueued || t.Status == StatusProcessing || t.Status == StatusRetry
}

// ProgressStep is an append-only record of a phase boundary.
type ProgressStep struct {
	ID                 int64           `json:"id"`
	TaskID             int64           `json:"processing_queue_id"`
	StepName           string          `json:"step_name"`
	StepStatus         string          `json:"step_status"` // started, completed, failed
	ProgressPercentage int             `json:"progress_percentage"`
	Message            string          `json:"message"`
	StepData           json.RawMessage `json:"step_data,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Server is the liveness row for an orchestrator or GPU worker instance.
type Server struct {
	ID                 string         `json:"id"`
	ServerType         string         `json:"server_type"` // cpu, gpu
	Status             string         `json:"status"`      // active, inactive, maintenance
	LastHeartbeat      time.Time      `json:"last_heartbeat"`
	Capabilities       map[string]any `json:"capabilities"`
	CurrentLoad        int            `json:"current_load"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
}

// TaskProgress is the UI-polling view of the latest non-terminal task
// for a document.
type TaskProgress struct {
	TaskID             int64  `json:"task_id"`
	DocumentID         int64  `json:"document_id"`
	TaskType           string `json:"task_type"`
	Status             string `json:"status"`
	ProgressPercentage int    `json:"progress_percentage"`
	CurrentStep        string `json:"current_step"`
	ProgressMessage    string `json:"progress_message"`
	LastError          string `json:"last_error,omitempty"`
}

// QueueStats is a per-status row count snapshot of processing_queue.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retry      int `json:"retry"`
}

// SpecializedAnalysis is one persisted result row per (document, analysis type).
type SpecializedAnalysis struct {
	DocumentID   int64     `json:"document_id"`
	AnalysisType string    `json:"analysis_type"` // clinical_validation, regulatory_pathway, scientific_hypothesis
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// SlideFeedback is one generated feedback row per (document, slide number).
type SlideFeedback struct {
	DocumentID  int64     `json:"document_id"`
	SlideNumber int       `json:"slide_number"`
	Feedback    string    `json:"feedback"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExtractionExperiment holds the JSON results of the extraction phase,
// including the template-processing payload the GPU posts back.
type ExtractionExperiment struct {
	ID                        int64           `json:"id"`
	DocumentID                int64           `json:"document_id"`
	ExperimentName            string          `json:"experiment_name"`
	Results                   json.RawMessage `json:"results,omitempty"`
	TemplateProcessingResults json.RawMessage `json:"template_processing_results,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
}

// VisualAnalysisCache is one cached visual-analysis blob per
// (document, vision model, prompt).
type VisualAnalysisCache struct {
	DocumentID  int64           `json:"document_id"`
	VisionModel string          `json:"vision_model"`
	Prompt      string          `json:"prompt"`
	Analysis    json.RawMessage `json:"analysis"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Params carries the lease and retry-backoff tuning shared by store
// implementations. The backoff schedule lives here because complete_task
// computes next_retry_at inside its transaction.
type Params struct {
	LeaseDuration time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// DefaultParams returns the production defaults: 30 minute lease,
// 60s..1h exponential backoff.
func DefaultParams() Params {
	return Params{
		LeaseDuration: 30 * time.Minute,
		BackoffBase:   60 * time.Second,
		BackoffCap:    time.Hour,
	}
}
