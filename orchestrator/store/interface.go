package store

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned when a lease-guarded write matched zero rows:
// the caller's lock expired and the task was reclaimed or re-leased.
var ErrLeaseLost = errors.New("task lease lost")

// ErrSerialization marks a transaction that failed due to contention and is
// safe to retry. Postgres surfaces this as SQLSTATE 40001/40P01.
var ErrSerialization = errors.New("serialization failure")

// NewTask carries the caller-supplied fields of an enqueue request.
type NewTask struct {
	DocumentID        int64
	TaskType          string
	Priority          int
	FilePath          string
	CompanyID         string
	ProcessingOptions []byte
	MaxRetries        int
}

// Store is the transactional queue backend. Postgres is the durable
// implementation; MemoryStore serves tests and single-process dev mode.
type Store interface {
	// Queue operations. Each call is a single transaction.

	// AddTask inserts a queued task unless the document already has an
	// active task of the same type, in which case it returns the existing
	// id and created=false. On insert the external document row is flipped
	// to processing.
	AddTask(ctx context.Context, t *NewTask) (id int64, created bool, err error)

	// GetNextTask leases the highest-priority eligible task for serverID
	// and returns it, or nil when the queue is empty. Eligibility requires
	// status queued/retry, next_retry_at elapsed, and all dependency edges
	// satisfied. Row selection uses FOR UPDATE SKIP LOCKED semantics.
	GetNextTask(ctx context.Context, serverID string, taskTypes []string) (*Task, error)

	// UpdateTaskProgress writes a monotonic progress update, appends a
	// progress step row, and slides the lease. Returns ErrLeaseLost when
	// serverID no longer holds the lease.
	UpdateTaskProgress(ctx context.Context, taskID int64, serverID string, percent int, step, message, stepStatus string, stepData []byte) error

	// UpdateProgressByDocument applies a GPU callback progress update to
	// the in-flight task for a document, ignoring lock ownership but
	// keeping progress monotonic. Returns found=false when no task is
	// processing for the document.
	UpdateProgressByDocument(ctx context.Context, documentID int64, percent int, step, message, phase string) (found bool, err error)

	// CompleteTask terminates an attempt. success moves the task to
	// completed and the document to completed; failure moves it to retry
	// (with backoff) while retries remain, otherwise to failed and the
	// document to failed. Returns the resulting task status, or
	// ErrLeaseLost when serverID no longer holds the lease.
	CompleteTask(ctx context.Context, taskID int64, serverID string, success bool, resultsPath, errorMessage string, metadata []byte) (string, error)

	// CleanupExpiredLocks reclaims tasks whose lease expired, returning
	// them to queued (or retry when attempts were already consumed).
	CleanupExpiredLocks(ctx context.Context) (int, error)

	// RetryFailedTask re-queues one failed task if retries remain.
	RetryFailedTask(ctx context.Context, taskID int64) (bool, error)

	// RetryFailedTasks re-queues failed tasks younger than maxAge that
	// still have retries left. Returns the number re-queued.
	RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error)

	GetTask(ctx context.Context, taskID int64) (*Task, error)
	GetActiveTaskByDocument(ctx context.Context, documentID int64) (*Task, error)
	GetTaskProgress(ctx context.Context, documentID int64) (*TaskProgress, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)
	ListProgressSteps(ctx context.Context, taskID int64) ([]*ProgressStep, error)
	CreateDependency(ctx context.Context, dependentID, dependsOnID int64, dependencyType string) error

	// Server registry.
	UpsertServer(ctx context.Context, s *Server) error
	UpdateServerHeartbeat(ctx context.Context, serverID string, currentLoad int, at time.Time) error
	PurgeStaleServers(ctx context.Context, olderThan time.Duration) (int, error)

	// External document row. Only processing_status is owned by the core.
	SetDocumentStatus(ctx context.Context, documentID int64, status string) error
	GetDocumentStatus(ctx context.Context, documentID int64) (string, error)

	// Result persistence targets written by the GPU callbacks and the
	// slide-feedback step. All are idempotent per document.
	SaveSpecializedAnalyses(ctx context.Context, documentID int64, analyses map[string]string) error
	GetSpecializedAnalyses(ctx context.Context, documentID int64) ([]*SpecializedAnalysis, error)
	UpsertTemplateProcessing(ctx context.Context, documentID int64, experimentName string, results []byte) error
	GetExtractionExperiment(ctx context.Context, documentID int64) (*ExtractionExperiment, error)
	SaveSlideFeedback(ctx context.Context, documentID int64, slideNumber int, feedback string) error
	SaveVisualAnalysis(ctx context.Context, documentID int64, visionModel, prompt string, analysis []byte) error

	// UpdateDeckResults updates the document row and the currently
	// processing task row in one transaction (legacy GPU sink).
	UpdateDeckResults(ctx context.Context, documentID int64, resultsFilePath, processingStatus string) error

	// Pipeline configuration (vision/text models, prompts, template
	// defaults). Missing keys return empty strings, never errors.
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
	GetPrompt(ctx context.Context, stage string) (string, error)
	SetPrompt(ctx context.Context, stage, text string) error
}
