package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend. Every queue
// operation is a single transaction; dequeue relies on row locks with
// SKIP LOCKED so concurrent orchestrators never collide.
type PostgresStore struct {
	pool   *pgxpool.Pool
	params Params
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string, params Params) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, params: params}, nil
}

// InitSchema creates the queue and result tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// wrapPgErr tags retryable contention failures with ErrSerialization.
func wrapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) && (pge.Code == "40001" || pge.Code == "40P01") {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}

const taskColumns = `id, document_id, task_type, status, priority, file_path, company_id,
	processing_options, progress_percentage, current_step, progress_message,
	created_at, started_at, completed_at, retry_count, max_retries, next_retry_at,
	last_error, error_count, locked_by, locked_at, lock_expires_at,
	results_file_path, processing_metadata`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var options, metadata []byte
	var lockedBy *string
	err := row.Scan(
		&t.ID, &t.DocumentID, &t.TaskType, &t.Status, &t.Priority, &t.FilePath, &t.CompanyID,
		&options, &t.ProgressPercentage, &t.CurrentStep, &t.ProgressMessage,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.RetryCount, &t.MaxRetries, &t.NextRetryAt,
		&t.LastError, &t.ErrorCount, &lockedBy, &t.LockedAt, &t.LockExpiresAt,
		&t.ResultsFilePath, &metadata,
	)
	if err != nil {
		return nil, err
	}
	if lockedBy != nil {
		t.LockedBy = *lockedBy
	}
	t.ProcessingOptions = json.RawMessage(options)
	t.ProcessingMetadata = json.RawMessage(metadata)
	return &t, nil
}

// --- Queue Operations ---

func (s *PostgresStore) AddTask(ctx context.Context, nt *NewTask) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	// Application-level active-task check; the partial unique index on
	// (document_id, task_type) backs this up under concurrency.
	var existing int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM processing_queue
		WHERE document_id = $1 AND task_type = $2
		  AND status IN ('queued', 'processing', 'retry')
		LIMIT 1
		FOR UPDATE
	`, nt.DocumentID, nt.TaskType).Scan(&existing)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return 0, false, wrapPgErr(err)
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, wrapPgErr(err)
	}

	maxRetries := nt.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	priority := nt.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO processing_queue
			(document_id, task_type, status, priority, file_path, company_id, processing_options, max_retries)
		VALUES ($1, $2, 'queued', $3, $4, $5, $6, $7)
		RETURNING id
	`, nt.DocumentID, nt.TaskType, priority, nt.FilePath, nt.CompanyID, nt.ProcessingOptions, maxRetries).Scan(&id)
	if err != nil {
		return 0, false, wrapPgErr(err)
	}

	// Early UI signal: the document reads processing as soon as the
	// top-level task queues. The specialized fan-out runs after the
	// document already completed and must not flip it back.
	if nt.TaskType == TaskPDFAnalysis {
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (id, processing_status) VALUES ($1, 'processing')
			ON CONFLICT (id) DO UPDATE SET processing_status = 'processing'
		`, nt.DocumentID)
		if err != nil {
			return 0, false, wrapPgErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, wrapPgErr(err)
	}
	return id, true, nil
}

// dequeueSQL selects the next eligible task id. Its only parameter is the
// task-type filter ($1); NULL means any type. serverID is applied in the
// follow-up UPDATE — referencing it here would leave an unused placeholder,
// which statement preparation rejects (the server cannot infer its type).
const dequeueSQL = `
	SELECT q.id FROM processing_queue q
	WHERE q.status IN ('queued', 'retry')
	  AND (q.next_retry_at IS NULL OR q.next_retry_at <= NOW())
	  AND ($1::text[] IS NULL OR q.task_type = ANY($1))
	  AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN processing_queue dep ON dep.id = d.depends_on_task_id
		WHERE d.dependent_task_id = q.id
		  AND ((d.dependency_type = 'success_only' AND dep.status <> 'completed')
		    OR (d.dependency_type = 'completion' AND dep.status NOT IN ('completed', 'failed')))
	  )
	ORDER BY q.priority DESC, q.created_at ASC, q.id ASC
	FOR UPDATE OF q SKIP LOCKED
	LIMIT 1
`

func (s *PostgresStore) GetNextTask(ctx context.Context, serverID string, taskTypes []string) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, dequeueSQL, taskTypes).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, wrapPgErr(err)
	}

	task, err := scanTask(tx.QueryRow(ctx, `
		UPDATE processing_queue
		SET status = 'processing',
		    started_at = COALESCE(started_at, NOW()),
		    locked_by = $2,
		    locked_at = NOW(),
		    lock_expires_at = NOW() + make_interval(secs => $3)
		WHERE id = $1
		RETURNING `+taskColumns, id, serverID, s.params.LeaseDuration.Seconds()))
	if err != nil {
		return nil, wrapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapPgErr(err)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTaskProgress(ctx context.Context, taskID int64, serverID string, percent int, step, message, stepStatus string, stepData []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	p := clampPercent(percent)
	tag, err := tx.Exec(ctx, `
		UPDATE processing_queue
		SET progress_percentage = GREATEST(progress_percentage, $3),
		    current_step = $4,
		    progress_message = $5,
		    lock_expires_at = NOW() + make_interval(secs => $6)
		WHERE id = $1 AND status = 'processing' AND locked_by = $2 AND lock_expires_at > NOW()
	`, taskID, serverID, p, step, message, s.params.LeaseDuration.Seconds())
	if err != nil {
		return wrapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO processing_progress (processing_queue_id, step_name, step_status, progress_percentage, message, step_data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, taskID, step, stepStatus, p, message, stepData)
	if err != nil {
		return wrapPgErr(err)
	}
	return wrapPgErr(tx.Commit(ctx))
}

func (s *PostgresStore) UpdateProgressByDocument(ctx context.Context, documentID int64, percent int, step, message, phase string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	p := clampPercent(percent)
	var taskID int64
	err = tx.QueryRow(ctx, `
		UPDATE processing_queue
		SET progress_percentage = GREATEST(progress_percentage, $2),
		    current_step = CASE WHEN $3 <> '' THEN $3 ELSE current_step END,
		    progress_message = CASE WHEN $4 <> '' THEN $4 ELSE progress_message END,
		    lock_expires_at = NOW() + make_interval(secs => $5)
		WHERE id = (
			SELECT id FROM processing_queue
			WHERE document_id = $1 AND status = 'processing'
			ORDER BY created_at DESC, id DESC LIMIT 1
		)
		RETURNING id
	`, documentID, p, step, message, s.params.LeaseDuration.Seconds()).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, tx.Commit(ctx)
	}
	if err != nil {
		return false, wrapPgErr(err)
	}

	stepData, _ := json.Marshal(map[string]string{"phase": phase, "source": "gpu_callback"})
	_, err = tx.Exec(ctx, `
		INSERT INTO processing_progress (processing_queue_id, step_name, step_status, progress_percentage, message, step_data)
		VALUES ($1, $2, 'started', $3, $4, $5)
	`, taskID, step, p, message, stepData)
	if err != nil {
		return false, wrapPgErr(err)
	}
	return true, wrapPgErr(tx.Commit(ctx))
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID int64, serverID string, success bool, resultsPath, errorMessage string, metadata []byte) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	var documentID int64
	var retryCount, maxRetries int
	err = tx.QueryRow(ctx, `
		SELECT document_id, retry_count, max_retries FROM processing_queue
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
		FOR UPDATE
	`, taskID, serverID).Scan(&documentID, &retryCount, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		// The lease expired and the task was reclaimed; the reclaiming
		// worker owns the terminal state now.
		return "", ErrLeaseLost
	}
	if err != nil {
		return "", wrapPgErr(err)
	}

	var status string
	switch {
	case success:
		status = StatusCompleted
		_, err = tx.Exec(ctx, `
			UPDATE processing_queue
			SET status = 'completed', completed_at = NOW(), progress_percentage = 100,
			    current_step = 'completed', results_file_path = $2,
			    processing_metadata = COALESCE($3, processing_metadata),
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $1
		`, taskID, resultsPath, metadata)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE documents SET processing_status = 'completed' WHERE id = $1`, documentID)
		}
	case retryCount+1 < maxRetries:
		status = StatusRetry
		delay := s.params.retryDelay(retryCount + 1)
		_, err = tx.Exec(ctx, `
			UPDATE processing_queue
			SET status = 'retry', retry_count = retry_count + 1, error_count = error_count + 1,
			    next_retry_at = NOW() + make_interval(secs => $2), last_error = $3,
			    processing_metadata = COALESCE($4, processing_metadata),
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $1
		`, taskID, delay.Seconds(), errorMessage, metadata)
	default:
		status = StatusFailed
		_, err = tx.Exec(ctx, `
			UPDATE processing_queue
			SET status = 'failed', completed_at = NOW(),
			    retry_count = LEAST(retry_count + 1, max_retries), error_count = error_count + 1,
			    last_error = $2,
			    processing_metadata = COALESCE($3, processing_metadata),
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $1
		`, taskID, errorMessage, metadata)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE documents SET processing_status = 'failed' WHERE id = $1`, documentID)
		}
	}
	if err != nil {
		return "", wrapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", wrapPgErr(err)
	}
	return status, nil
}

func (s *PostgresStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET status = CASE WHEN retry_count > 0 THEN 'retry' ELSE 'queued' END,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE status = 'processing' AND lock_expires_at < NOW()
	`)
	if err != nil {
		return 0, wrapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RetryFailedTask(ctx context.Context, taskID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET status = 'retry', next_retry_at = NOW(), completed_at = NULL
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
	`, taskID)
	if err != nil {
		return false, wrapPgErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET status = 'retry', next_retry_at = NOW(), completed_at = NULL
		WHERE status = 'failed' AND retry_count < max_retries
		  AND completed_at > NOW() - make_interval(secs => $1)
	`, maxAge.Seconds())
	if err != nil {
		return 0, wrapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM processing_queue WHERE id = $1
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPgErr(err)
	}
	return task, nil
}

func (s *PostgresStore) GetActiveTaskByDocument(ctx context.Context, documentID int64) (*Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM processing_queue
		WHERE document_id = $1 AND status IN ('queued', 'processing', 'retry')
		ORDER BY created_at DESC LIMIT 1
	`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPgErr(err)
	}
	return task, nil
}

func (s *PostgresStore) GetTaskProgress(ctx context.Context, documentID int64) (*TaskProgress, error) {
	t, err := s.GetActiveTaskByDocument(ctx, documentID)
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

func (s *PostgresStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM processing_queue GROUP BY status`)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusQueued:
			stats.Queued = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusRetry:
			stats.Retry = count
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) ListProgressSteps(ctx context.Context, taskID int64) ([]*ProgressStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, processing_queue_id, step_name, step_status, progress_percentage, message, step_data, created_at
		FROM processing_progress WHERE processing_queue_id = $1 ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var steps []*ProgressStep
	for rows.Next() {
		var st ProgressStep
		var data []byte
		if err := rows.Scan(&st.ID, &st.TaskID, &st.StepName, &st.StepStatus, &st.ProgressPercentage, &st.Message, &data, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.StepData = json.RawMessage(data)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) CreateDependency(ctx context.Context, dependentID, dependsOnID int64, dependencyType string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_dependencies (dependent_task_id, depends_on_task_id, dependency_type)
		VALUES ($1, $2, $3)
	`, dependentID, dependsOnID, dependencyType)
	return wrapPgErr(err)
}

// --- Server Registry ---

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *Server) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_servers (id, server_type, status, last_heartbeat, capabilities, current_load, max_concurrent_tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			server_type = EXCLUDED.server_type,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			capabilities = EXCLUDED.capabilities,
			current_load = EXCLUDED.current_load,
			max_concurrent_tasks = EXCLUDED.max_concurrent_tasks
	`, srv.ID, srv.ServerType, srv.Status, srv.LastHeartbeat, srv.Capabilities, srv.CurrentLoad, srv.MaxConcurrentTasks)
	return wrapPgErr(err)
}

func (s *PostgresStore) UpdateServerHeartbeat(ctx context.Context, serverID string, currentLoad int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_servers SET last_heartbeat = $2, current_load = $3 WHERE id = $1
	`, serverID, at, currentLoad)
	return wrapPgErr(err)
}

func (s *PostgresStore) PurgeStaleServers(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processing_servers WHERE last_heartbeat < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, wrapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Documents ---

func (s *PostgresStore) SetDocumentStatus(ctx context.Context, documentID int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, processing_status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET processing_status = EXCLUDED.processing_status
	`, documentID, status)
	return wrapPgErr(err)
}

func (s *PostgresStore) GetDocumentStatus(ctx context.Context, documentID int64) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT processing_status FROM documents WHERE id = $1`, documentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapPgErr(err)
	}
	return status, nil
}

// --- Result Persistence ---

func (s *PostgresStore) SaveSpecializedAnalyses(ctx context.Context, documentID int64, analyses map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	// Replace-all: delete-then-insert inside one transaction so concurrent
	// GPU saves resolve to last writer wins.
	if _, err := tx.Exec(ctx, `DELETE FROM specialized_analyses WHERE document_id = $1`, documentID); err != nil {
		return wrapPgErr(err)
	}
	for analysisType, content := range analyses {
		if content == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO specialized_analyses (document_id, analysis_type, content)
			VALUES ($1, $2, $3)
		`, documentID, analysisType, content); err != nil {
			return wrapPgErr(err)
		}
	}
	return wrapPgErr(tx.Commit(ctx))
}

func (s *PostgresStore) GetSpecializedAnalyses(ctx context.Context, documentID int64) ([]*SpecializedAnalysis, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, analysis_type, content, created_at
		FROM specialized_analyses WHERE document_id = $1 ORDER BY analysis_type
	`, documentID)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var out []*SpecializedAnalysis
	for rows.Next() {
		var sa SpecializedAnalysis
		if err := rows.Scan(&sa.DocumentID, &sa.AnalysisType, &sa.Content, &sa.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sa)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertTemplateProcessing(ctx context.Context, documentID int64, experimentName string, results []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM extraction_experiments
		WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1
		FOR UPDATE
	`, documentID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO extraction_experiments (document_id, experiment_name, template_processing_results_json)
			VALUES ($1, $2, $3)
		`, documentID, experimentName, results)
	case err == nil:
		_, err = tx.Exec(ctx, `
			UPDATE extraction_experiments
			SET template_processing_results_json = $2,
			    experiment_name = CASE WHEN $3 <> '' THEN $3 ELSE experiment_name END
			WHERE id = $1
		`, id, results, experimentName)
	}
	if err != nil {
		return wrapPgErr(err)
	}
	return wrapPgErr(tx.Commit(ctx))
}

func (s *PostgresStore) GetExtractionExperiment(ctx context.Context, documentID int64) (*ExtractionExperiment, error) {
	var exp ExtractionExperiment
	var results, templateResults []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, document_id, experiment_name, results_json, template_processing_results_json, created_at
		FROM extraction_experiments
		WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1
	`, documentID).Scan(&exp.ID, &exp.DocumentID, &exp.ExperimentName, &results, &templateResults, &exp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPgErr(err)
	}
	exp.Results = json.RawMessage(results)
	exp.TemplateProcessingResults = json.RawMessage(templateResults)
	return &exp, nil
}

func (s *PostgresStore) SaveSlideFeedback(ctx context.Context, documentID int64, slideNumber int, feedback string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO slide_feedback (document_id, slide_number, feedback)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, slide_number) DO UPDATE SET
			feedback = EXCLUDED.feedback, created_at = NOW()
	`, documentID, slideNumber, feedback)
	return wrapPgErr(err)
}

func (s *PostgresStore) SaveVisualAnalysis(ctx context.Context, documentID int64, visionModel, prompt string, analysis []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO visual_analysis_cache (document_id, vision_model, prompt_used, analysis_result_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, vision_model, prompt_used) DO UPDATE SET
			analysis_result_json = EXCLUDED.analysis_result_json, created_at = NOW()
	`, documentID, visionModel, prompt, analysis)
	return wrapPgErr(err)
}

func (s *PostgresStore) UpdateDeckResults(ctx context.Context, documentID int64, resultsFilePath, processingStatus string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, processing_status, results_file_path)
		VALUES ($1, COALESCE(NULLIF($2, ''), 'processing'), $3)
		ON CONFLICT (id) DO UPDATE SET
			processing_status = CASE WHEN $2 <> '' THEN $2 ELSE documents.processing_status END,
			results_file_path = EXCLUDED.results_file_path
	`, documentID, processingStatus, resultsFilePath)
	if err != nil {
		return wrapPgErr(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE processing_queue SET results_file_path = $2
		WHERE document_id = $1 AND status = 'processing'
	`, documentID, resultsFilePath)
	if err != nil {
		return wrapPgErr(err)
	}
	return wrapPgErr(tx.Commit(ctx))
}

// --- Pipeline Configuration ---

func (s *PostgresStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT config_value FROM pipeline_configs WHERE config_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapPgErr(err)
	}
	return value, nil
}

func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_configs (config_key, config_value) VALUES ($1, $2)
		ON CONFLICT (config_key) DO UPDATE SET config_value = EXCLUDED.config_value
	`, key, value)
	return wrapPgErr(err)
}

func (s *PostgresStore) GetPrompt(ctx context.Context, stage string) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT prompt_text FROM prompts WHERE stage_name = $1`, stage).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapPgErr(err)
	}
	return text, nil
}

func (s *PostgresStore) SetPrompt(ctx context.Context, stage, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompts (stage_name, prompt_text) VALUES ($1, $2)
		ON CONFLICT (stage_name) DO UPDATE SET prompt_text = EXCLUDED.prompt_text
	`, stage, text)
	return wrapPgErr(err)
}
