package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests and single-node dev
// mode. All operations take the store lock, which gives the same atomicity
// the Postgres implementation gets from transactions.
type MemoryStore struct {
	mu     sync.Mutex
	params Params

	nextTaskID int64
	nextStepID int64
	tasks      map[int64]*Task
	steps      []*ProgressStep
	deps       []dependency
	servers    map[string]*Server

	documents   map[int64]string // document id -> processing_status
	deckResults map[int64]string // document id -> results_file_path

	specialized map[int64][]*SpecializedAnalysis
	experiments map[int64]*ExtractionExperiment
	slides      map[int64]map[int]*SlideFeedback
	visual      map[int64][]*VisualAnalysisCache

	configs map[string]string
	prompts map[string]string
}

type dependency struct {
	dependentID    int64
	dependsOnID    int64
	dependencyType string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(params Params) *MemoryStore {
	return &MemoryStore{
		params:      params,
		tasks:       make(map[int64]*Task),
		servers:     make(map[string]*Server),
		documents:   make(map[int64]string),
		deckResults: make(map[int64]string),
		specialized: make(map[int64][]*SpecializedAnalysis),
		experiments: make(map[int64]*ExtractionExperiment),
		slides:      make(map[int64]map[int]*SlideFeedback),
		visual:      make(map[int64][]*VisualAnalysisCache),
		configs:     make(map[string]string),
		prompts:     make(map[string]string),
	}
}

func copyTask(t *Task) *Task {
	c := *t
	return &c
}

// --- Queue Operations ---

func (m *MemoryStore) AddTask(ctx context.Context, nt *NewTask) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.DocumentID == nt.DocumentID && t.TaskType == nt.TaskType && t.Active() {
			return t.ID, false, nil
		}
	}

	m.nextTaskID++
	maxRetries := nt.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	priority := nt.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	t := &Task{
		ID:                m.nextTaskID,
		DocumentID:        nt.DocumentID,
		TaskType:          nt.TaskType,
		Status:            StatusQueued,
		Priority:          priority,
		FilePath:          nt.FilePath,
		CompanyID:         nt.CompanyID,
		ProcessingOptions: nt.ProcessingOptions,
		MaxRetries:        maxRetries,
		CreatedAt:         time.Now(),
	}
	m.tasks[t.ID] = t
	// Early signal to the UI: the document shows processing as soon as the
	// top-level task queues. The specialized fan-out runs after the
	// document already completed and must not flip it back.
	if nt.TaskType == TaskPDFAnalysis {
		m.documents[nt.DocumentID] = DocProcessing
	}
	return t.ID, true, nil
}

func (m *MemoryStore) dependenciesSatisfied(t *Task) bool {
	for _, d := range m.deps {
		if d.dependentID != t.ID {
			continue
		}
		parent, ok := m.tasks[d.dependsOnID]
		if !ok {
			continue
		}
		switch d.dependencyType {
		case DependencySuccessOnly:
			if parent.Status != StatusCompleted {
				return false
			}
		default: // completion
			if parent.Status != StatusCompleted && parent.Status != StatusFailed {
				return false
			}
		}
	}
	return true
}

func (m *MemoryStore) GetNextTask(ctx context.Context, serverID string, taskTypes []string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	wanted := make(map[string]bool, len(taskTypes))
	for _, tt := range taskTypes {
		wanted[tt] = true
	}

	var eligible []*Task
	for _, t := range m.tasks {
		if t.Status != StatusQueued && t.Status != StatusRetry {
			continue
		}
		if len(wanted) > 0 && !wanted[t.TaskType] {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		if !m.dependenciesSatisfied(t) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	t := eligible[0]
	t.Status = StatusProcessing
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	lockedAt := now
	expires := now.Add(m.params.LeaseDuration)
	t.LockedBy = serverID
	t.LockedAt = &lockedAt
	t.LockExpiresAt = &expires
	return copyTask(t), nil
}

func (m *MemoryStore) appendStep(taskID int64, percent int, step, message, stepStatus string, stepData []byte) {
	m.nextStepID++
	m.steps = append(m.steps, &ProgressStep{
		ID:                 m.nextStepID,
		TaskID:             taskID,
		StepName:           step,
		StepStatus:         stepStatus,
		ProgressPercentage: percent,
		Message:            message,
		StepData:           stepData,
		CreatedAt:          time.Now(),
	})
}

func (m *MemoryStore) UpdateTaskProgress(ctx context.Context, taskID int64, serverID string, percent int, step, message, stepStatus string, stepData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != StatusProcessing || t.LockedBy != serverID ||
		t.LockExpiresAt == nil || !t.LockExpiresAt.After(time.Now()) {
		return ErrLeaseLost
	}

	p := clampPercent(percent)
	if p > t.ProgressPercentage {
		t.ProgressPercentage = p
	}
	t.CurrentStep = step
	t.ProgressMessage = message
	expires := time.Now().Add(m.params.LeaseDuration)
	t.LockExpiresAt = &expires

	m.appendStep(taskID, p, step, message, stepStatus, stepData)
	return nil
}

func (m *MemoryStore) UpdateProgressByDocument(ctx context.Context, documentID int64, percent int, step, message, phase string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The callback carries no task id; apply it to the most recently
	// created processing task, same as the Postgres row selection.
	var target *Task
	for _, t := range m.tasks {
		if t.DocumentID != documentID || t.Status != StatusProcessing {
			continue
		}
		if target == nil || t.CreatedAt.After(target.CreatedAt) ||
			(t.CreatedAt.Equal(target.CreatedAt) && t.ID > target.ID) {
			target = t
		}
	}
	if target == nil {
		return false, nil
	}

	p := clampPercent(percent)
	if p > target.ProgressPercentage {
		target.ProgressPercentage = p
	}
	if step != "" {
		target.CurrentStep = step
	}
	if message != "" {
		target.ProgressMessage = message
	}
	expires := time.Now().Add(m.params.LeaseDuration)
	target.LockExpiresAt = &expires
	m.appendStep(target.ID, p, step, message, "started", nil)
	return true, nil
}

func (m *MemoryStore) CompleteTask(ctx context.Context, taskID int64, serverID string, success bool, resultsPath, errorMessage string, metadata []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != StatusProcessing || t.LockedBy != serverID {
		return "", ErrLeaseLost
	}

	now := time.Now()
	t.LockedBy = ""
	t.LockedAt = nil
	t.LockExpiresAt = nil
	if metadata != nil {
		t.ProcessingMetadata = metadata
	}

	if success {
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.ProgressPercentage = 100
		t.CurrentStep = "completed"
		t.ResultsFilePath = resultsPath
		m.documents[t.DocumentID] = DocCompleted
		return StatusCompleted, nil
	}

	t.LastError = errorMessage
	t.ErrorCount++
	t.RetryCount++
	if t.RetryCount < t.MaxRetries {
		t.Status = StatusRetry
		next := now.Add(m.params.retryDelay(t.RetryCount))
		t.NextRetryAt = &next
		return StatusRetry, nil
	}

	t.Status = StatusFailed
	t.CompletedAt = &now
	m.documents[t.DocumentID] = DocFailed
	return StatusFailed, nil
}

func (m *MemoryStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, t := range m.tasks {
		if t.Status != StatusProcessing || t.LockExpiresAt == nil || t.LockExpiresAt.After(now) {
			continue
		}
		if t.RetryCount > 0 {
			t.Status = StatusRetry
		} else {
			t.Status = StatusQueued
		}
		t.LockedBy = ""
		t.LockedAt = nil
		t.LockExpiresAt = nil
		count++
	}
	return count, nil
}

func (m *MemoryStore) RetryFailedTask(ctx context.Context, taskID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != StatusFailed || t.RetryCount >= t.MaxRetries {
		return false, nil
	}
	now := time.Now()
	t.Status = StatusRetry
	t.NextRetryAt = &now
	t.CompletedAt = nil
	return true, nil
}

func (m *MemoryStore) RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	now := time.Now()
	count := 0
	for _, t := range m.tasks {
		if t.Status != StatusFailed || t.RetryCount >= t.MaxRetries {
			continue
		}
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}
		t.Status = StatusRetry
		t.NextRetryAt = &now
		t.CompletedAt = nil
		count++
	}
	return count, nil
}

func (m *MemoryStore) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (m *MemoryStore) GetActiveTaskByDocument(ctx context.Context, documentID int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Task
	for _, t := range m.tasks {
		if t.DocumentID != documentID || !t.Active() {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyTask(latest), nil
}

func (m *MemoryStore) GetTaskProgress(ctx context.Context, documentID int64) (*TaskProgress, error) {
	t, err := m.GetActiveTaskByDocument(ctx, documentID)
	if err != nil || t == nil {
		return nil, err
	}
	return &TaskProgress{
		TaskID:             t.ID,
		DocumentID:         t.DocumentID,
		TaskType:           t.TaskType,
		Status:             t.Status,
		ProgressPercentage: t.ProgressPercentage,
		CurrentStep:        t.CurrentStep,
		ProgressMessage:    t.ProgressMessage,
		LastError:          t.LastError,
	}, nil
}

func (m *MemoryStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &QueueStats{}
	for _, t := range m.tasks {
		switch t.Status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusRetry:
			stats.Retry++
		}
	}
	return stats, nil
}

func (m *MemoryStore) ListProgressSteps(ctx context.Context, taskID int64) ([]*ProgressStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProgressStep
	for _, s := range m.steps {
		if s.TaskID == taskID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDependency(ctx context.Context, dependentID, dependsOnID int64, dependencyType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps = append(m.deps, dependency{dependentID: dependentID, dependsOnID: dependsOnID, dependencyType: dependencyType})
	return nil
}

// --- Server Registry ---

func (m *MemoryStore) UpsertServer(ctx context.Context, s *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.servers[s.ID] = &c
	return nil
}

func (m *MemoryStore) UpdateServerHeartbeat(ctx context.Context, serverID string, currentLoad int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return nil
	}
	s.LastHeartbeat = at
	s.CurrentLoad = currentLoad
	return nil
}

func (m *MemoryStore) PurgeStaleServers(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, s := range m.servers {
		if s.LastHeartbeat.Before(cutoff) {
			delete(m.servers, id)
			count++
		}
	}
	return count, nil
}

// --- Documents ---

func (m *MemoryStore) SetDocumentStatus(ctx context.Context, documentID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[documentID] = status
	return nil
}

func (m *MemoryStore) GetDocumentStatus(ctx context.Context, documentID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documents[documentID], nil
}

// --- Result Persistence ---

func (m *MemoryStore) SaveSpecializedAnalyses(ctx context.Context, documentID int64, analyses map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Replace-all semantics: last writer wins.
	var rows []*SpecializedAnalysis
	now := time.Now()
	for analysisType, content := range analyses {
		if content == "" {
			continue
		}
		rows = append(rows, &SpecializedAnalysis{
			DocumentID:   documentID,
			AnalysisType: analysisType,
			Content:      content,
			CreatedAt:    now,
		})
	}
	m.specialized[documentID] = rows
	return nil
}

func (m *MemoryStore) GetSpecializedAnalyses(ctx context.Context, documentID int64) ([]*SpecializedAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.specialized[documentID]
	out := make([]*SpecializedAnalysis, len(rows))
	for i, r := range rows {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) UpsertTemplateProcessing(ctx context.Context, documentID int64, experimentName string, results []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[documentID]
	if !ok {
		m.nextStepID++
		exp = &ExtractionExperiment{
			ID:         m.nextStepID,
			DocumentID: documentID,
			CreatedAt:  time.Now(),
		}
		m.experiments[documentID] = exp
	}
	if experimentName != "" {
		exp.ExperimentName = experimentName
	}
	exp.TemplateProcessingResults = results
	return nil
}

func (m *MemoryStore) GetExtractionExperiment(ctx context.Context, documentID int64) (*ExtractionExperiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[documentID]
	if !ok {
		return nil, nil
	}
	c := *exp
	return &c, nil
}

func (m *MemoryStore) SaveSlideFeedback(ctx context.Context, documentID int64, slideNumber int, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDoc, ok := m.slides[documentID]
	if !ok {
		byDoc = make(map[int]*SlideFeedback)
		m.slides[documentID] = byDoc
	}
	byDoc[slideNumber] = &SlideFeedback{
		DocumentID:  documentID,
		SlideNumber: slideNumber,
		Feedback:    feedback,
		CreatedAt:   time.Now(),
	}
	return nil
}

func (m *MemoryStore) SaveVisualAnalysis(ctx context.Context, documentID int64, visionModel, prompt string, analysis []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.visual[documentID]
	for _, r := range rows {
		if r.VisionModel == visionModel && r.Prompt == prompt {
			r.Analysis = analysis
			r.CreatedAt = time.Now()
			return nil
		}
	}
	m.visual[documentID] = append(rows, &VisualAnalysisCache{
		DocumentID:  documentID,
		VisionModel: visionModel,
		Prompt:      prompt,
		Analysis:    analysis,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *MemoryStore) UpdateDeckResults(ctx context.Context, documentID int64, resultsFilePath, processingStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if processingStatus != "" {
		m.documents[documentID] = processingStatus
	}
	m.deckResults[documentID] = resultsFilePath
	for _, t := range m.tasks {
		if t.DocumentID == documentID && t.Status == StatusProcessing {
			t.ResultsFilePath = resultsFilePath
			break
		}
	}
	return nil
}

// --- Pipeline Configuration ---

func (m *MemoryStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[key], nil
}

func (m *MemoryStore) SetConfigValue(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key] = value
	return nil
}

func (m *MemoryStore) GetPrompt(ctx context.Context, stage string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[stage], nil
}

func (m *MemoryStore) SetPrompt(ctx context.Context, stage, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts[stage] = text
	return nil
}
