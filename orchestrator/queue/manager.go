package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/deckflow/deckflow/orchestrator/observability"
	"github.com/deckflow/deckflow/orchestrator/store"
	"github.com/deckflow/deckflow/orchestrator/streaming"
)

const (
	// Registrations without a heartbeat for this long are purged.
	staleServerAge = time.Hour

	// Contention retries for serialization failures inside the store.
	txRetries = 3
)

// specializedTypes are the dependent tasks fanned out after a successful
// pdf_analysis run, for offline refinement independent of the in-task P4.
var specializedTypes = []string{
	store.TaskSpecializedClinical,
	store.TaskSpecializedRegulatory,
	store.TaskSpecializedScience,
}

// Config tunes a Manager.
type Config struct {
	MaxConcurrentTasks int
	DefaultMaxRetries  int
	GPUAvailable       bool
}

// Manager wraps the queue store with the orchestrator's server identity.
// It is the only component that mutates tasks and worker registrations.
type Manager struct {
	store     store.Store
	publisher streaming.Publisher
	serverID  string
	cfg       Config
}

// AddTaskParams is an enqueue request.
type AddTaskParams struct {
	DocumentID int64
	FilePath   string
	CompanyID  string
	TaskType   string
	Priority   int
	Options    json.RawMessage
}

// ProgressEvent is the payload published on task lifecycle topics and
// streamed to WebSocket clients.
type ProgressEvent struct {
	TaskID             int64     `json:"task_id"`
	DocumentID         int64     `json:"document_id"`
	TaskType           string    `json:"task_type"`
	Status             string    `json:"status"`
	ProgressPercentage int       `json:"progress_percentage"`
	CurrentStep        string    `json:"current_step"`
	Message            string    `json:"message,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// NewManager creates a Manager with a freshly generated server identity.
func NewManager(s store.Store, publisher streaming.Publisher, cfg Config) *Manager {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	return &Manager{
		store:     s,
		publisher: publisher,
		serverID:  generateServerID(),
		cfg:       cfg,
	}
}

// generateServerID builds the worker identity: hostname + pid + random suffix.
func generateServerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), randomSuffix(4))
}

// ServerID returns this orchestrator's worker identity.
func (m *Manager) ServerID() string {
	return m.serverID
}

// withRetry re-runs fn on store contention (serialization failures),
// up to txRetries attempts.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrSerialization) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("store contention after %d attempts: %w", txRetries, err)
}

func (m *Manager) publish(ctx context.Context, topic string, ev ProgressEvent) {
	if m.publisher == nil {
		return
	}
	ev.Timestamp = time.Now()
	if err := m.publisher.Publish(ctx, topic, ev); err != nil {
		log.Printf("Queue: failed to publish %s event for task %d: %v", topic, ev.TaskID, err)
	}
}

// RegisterServer upserts this orchestrator's liveness row and purges
// registrations that have not heartbeat within the last hour.
func (m *Manager) RegisterServer(ctx context.Context) error {
	srv := &store.Server{
		ID:            m.serverID,
		ServerType:    "cpu",
		Status:        "active",
		LastHeartbeat: time.Now(),
		Capabilities: map[string]any{
			"pdf_analysis":   true,
			"gpu_available":  m.cfg.GPUAvailable,
			"max_concurrent": m.cfg.MaxConcurrentTasks,
		},
		MaxConcurrentTasks: m.cfg.MaxConcurrentTasks,
	}
	if err := m.store.UpsertServer(ctx, srv); err != nil {
		return fmt.Errorf("register server: %w", err)
	}
	purged, err := m.store.PurgeStaleServers(ctx, staleServerAge)
	if err != nil {
		log.Printf("Queue: failed to purge stale servers: %v", err)
	} else if purged > 0 {
		log.Printf("Queue: purged %d stale server registrations", purged)
	}
	return nil
}

// AddTask enqueues processing for a document. If the document already has
// an active task of the same type, the existing id is returned instead of
// inserting a duplicate.
func (m *Manager) AddTask(ctx context.Context, p AddTaskParams) (int64, error) {
	if p.TaskType == "" {
		p.TaskType = store.TaskPDFAnalysis
	}
	if p.Priority == 0 {
		p.Priority = store.PriorityNormal
	}

	var id int64
	var created bool
	err := withRetry(ctx, func() error {
		var err error
		id, created, err = m.store.AddTask(ctx, &store.NewTask{
			DocumentID:        p.DocumentID,
			TaskType:          p.TaskType,
			Priority:          p.Priority,
			FilePath:          p.FilePath,
			CompanyID:         p.CompanyID,
			ProcessingOptions: p.Options,
			MaxRetries:        m.cfg.DefaultMaxRetries,
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("add task for document %d: %w", p.DocumentID, err)
	}

	if !created {
		observability.DuplicateEnqueues.Inc()
		log.Printf("Queue: document %d already has active %s task %d", p.DocumentID, p.TaskType, id)
		return id, nil
	}

	observability.TasksEnqueued.WithLabelValues(p.TaskType).Inc()
	log.Printf("Queue: enqueued %s task %d for document %d (priority %d)", p.TaskType, id, p.DocumentID, p.Priority)
	m.publish(ctx, streaming.TopicTaskEnqueued, ProgressEvent{
		TaskID:     id,
		DocumentID: p.DocumentID,
		TaskType:   p.TaskType,
		Status:     store.StatusQueued,
	})
	return id, nil
}

// NextTask leases the next eligible task for this server, or returns nil
// when the queue is empty.
func (m *Manager) NextTask(ctx context.Context) (*store.Task, error) {
	var task *store.Task
	err := withRetry(ctx, func() error {
		var err error
		task, err = m.store.GetNextTask(ctx, m.serverID, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get next task: %w", err)
	}
	return task, nil
}

// UpdateTaskProgress writes a phase-boundary progress update for a task
// this server holds the lease on.
func (m *Manager) UpdateTaskProgress(ctx context.Context, t *store.Task, percent int, step, message, stepStatus string, stepData []byte) error {
	err := withRetry(ctx, func() error {
		return m.store.UpdateTaskProgress(ctx, t.ID, m.serverID, percent, step, message, stepStatus, stepData)
	})
	if errors.Is(err, store.ErrLeaseLost) {
		observability.LeaseLost.Inc()
		return err
	}
	if err != nil {
		return fmt.Errorf("update progress for task %d: %w", t.ID, err)
	}

	m.publish(ctx, streaming.TopicTaskProgress, ProgressEvent{
		TaskID:             t.ID,
		DocumentID:         t.DocumentID,
		TaskType:           t.TaskType,
		Status:             store.StatusProcessing,
		ProgressPercentage: percent,
		CurrentStep:        step,
		Message:            message,
	})
	return nil
}

// CompleteTask terminates the current attempt of a leased task.
func (m *Manager) CompleteTask(ctx context.Context, t *store.Task, success bool, resultsPath, errorMessage string, metadata []byte) error {
	var outcome string
	err := withRetry(ctx, func() error {
		var err error
		outcome, err = m.store.CompleteTask(ctx, t.ID, m.serverID, success, resultsPath, errorMessage, metadata)
		return err
	})
	if errors.Is(err, store.ErrLeaseLost) {
		// The lease expired and another worker reclaimed the task; its
		// terminal state belongs to them now.
		observability.LeaseLost.Inc()
		return err
	}
	if err != nil {
		return fmt.Errorf("complete task %d: %w", t.ID, err)
	}

	observability.TaskCompletions.WithLabelValues(outcome).Inc()
	percent := 100
	if outcome != store.StatusCompleted {
		percent = t.ProgressPercentage
	}
	m.publish(ctx, streaming.TopicTaskCompleted, ProgressEvent{
		TaskID:             t.ID,
		DocumentID:         t.DocumentID,
		TaskType:           t.TaskType,
		Status:             outcome,
		ProgressPercentage: percent,
		Message:            errorMessage,
	})
	log.Printf("Queue: task %d for document %d finished attempt with status %s", t.ID, t.DocumentID, outcome)
	return nil
}

// CompleteTaskAndCreateSpecialized completes a task and, on success of a
// top-level pdf_analysis run, fans out the three specialized dependent
// tasks carrying the same file path, company, and options.
func (m *Manager) CompleteTaskAndCreateSpecialized(ctx context.Context, t *store.Task, success bool, resultsPath, errorMessage string, metadata []byte) error {
	if err := m.CompleteTask(ctx, t, success, resultsPath, errorMessage, metadata); err != nil {
		return err
	}
	if !success || t.TaskType != store.TaskPDFAnalysis {
		return nil
	}

	for _, taskType := range specializedTypes {
		id, err := m.AddTask(ctx, AddTaskParams{
			DocumentID: t.DocumentID,
			FilePath:   t.FilePath,
			CompanyID:  t.CompanyID,
			TaskType:   taskType,
			Priority:   store.PriorityNormal,
			Options:    t.ProcessingOptions,
		})
		if err != nil {
			log.Printf("Queue: failed to enqueue %s for document %d: %v", taskType, t.DocumentID, err)
			continue
		}
		if err := m.store.CreateDependency(ctx, id, t.ID, store.DependencySuccessOnly); err != nil {
			log.Printf("Queue: failed to record dependency of task %d on %d: %v", id, t.ID, err)
		}
	}
	return nil
}

// RecoverAbandonedTasks reclaims tasks whose lease expired, returning the
// number of tasks put back in the queue.
func (m *Manager) RecoverAbandonedTasks(ctx context.Context) (int, error) {
	count, err := m.store.CleanupExpiredLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	if count > 0 {
		observability.LocksReclaimed.Add(float64(count))
		log.Printf("Queue: reclaimed %d abandoned tasks", count)
	}
	return count, nil
}

// RetryFailedTasks re-queues failed tasks younger than maxAgeHours that
// still have retries left.
func (m *Manager) RetryFailedTasks(ctx context.Context, maxAgeHours int) (int, error) {
	count, err := m.store.RetryFailedTasks(ctx, time.Duration(maxAgeHours)*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("retry failed tasks: %w", err)
	}
	if count > 0 {
		observability.FailedTasksRequeued.Add(float64(count))
		log.Printf("Queue: re-queued %d failed tasks", count)
	}
	return count, nil
}

// RetryFailedTask re-queues a single failed task on operator request.
// Returns false when the task is not failed or has no retries left.
func (m *Manager) RetryFailedTask(ctx context.Context, taskID int64) (bool, error) {
	var requeued bool
	err := withRetry(ctx, func() error {
		var err error
		requeued, err = m.store.RetryFailedTask(ctx, taskID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("retry failed task %d: %w", taskID, err)
	}
	if requeued {
		observability.FailedTasksRequeued.Inc()
		log.Printf("Queue: re-queued failed task %d", taskID)
	}
	return requeued, nil
}

// Heartbeat refreshes this server's liveness row.
func (m *Manager) Heartbeat(ctx context.Context, currentLoad int) error {
	if err := m.store.UpdateServerHeartbeat(ctx, m.serverID, currentLoad, time.Now()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	observability.HeartbeatsSent.Inc()
	return nil
}

// Stats returns the per-status queue row counts.
func (m *Manager) Stats(ctx context.Context) (*store.QueueStats, error) {
	return m.store.GetQueueStats(ctx)
}

// TaskProgress returns the latest non-terminal task progress for a
// document, for UI polling. nil when the document has no active task.
func (m *Manager) TaskProgress(ctx context.Context, documentID int64) (*store.TaskProgress, error) {
	return m.store.GetTaskProgress(ctx, documentID)
}
