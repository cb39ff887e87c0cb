package store

// Schema bootstrap for the queue tables and the auxiliary result tables.
// Statements are idempotent so every orchestrator can run them at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS processing_queue (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL,
		task_type TEXT NOT NULL DEFAULT 'pdf_analysis',
		status TEXT NOT NULL DEFAULT 'queued',
		priority INT NOT NULL DEFAULT 1,
		file_path TEXT NOT NULL DEFAULT '',
		company_id TEXT NOT NULL DEFAULT '',
		processing_options JSONB,
		progress_percentage INT NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		progress_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		error_count INT NOT NULL DEFAULT 0,
		locked_by TEXT,
		locked_at TIMESTAMPTZ,
		lock_expires_at TIMESTAMPTZ,
		results_file_path TEXT NOT NULL DEFAULT '',
		processing_metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_dispatch ON processing_queue (status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_document ON processing_queue (document_id)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_retry ON processing_queue (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_lock ON processing_queue (locked_by, lock_expires_at)`,
	// Defense in depth for the application-level active-task check.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_document
		ON processing_queue (document_id, task_type)
		WHERE status IN ('queued', 'processing', 'retry')`,

	`CREATE TABLE IF NOT EXISTS processing_progress (
		id BIGSERIAL PRIMARY KEY,
		processing_queue_id BIGINT NOT NULL REFERENCES processing_queue(id) ON DELETE CASCADE,
		step_name TEXT NOT NULL,
		step_status TEXT NOT NULL,
		progress_percentage INT NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		step_data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_task ON processing_progress (processing_queue_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS processing_servers (
		id TEXT PRIMARY KEY,
		server_type TEXT NOT NULL DEFAULT 'cpu',
		status TEXT NOT NULL DEFAULT 'active',
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		capabilities JSONB,
		current_load INT NOT NULL DEFAULT 0,
		max_concurrent_tasks INT NOT NULL DEFAULT 3
	)`,

	`CREATE TABLE IF NOT EXISTS task_dependencies (
		id BIGSERIAL PRIMARY KEY,
		dependent_task_id BIGINT NOT NULL REFERENCES processing_queue(id) ON DELETE CASCADE,
		depends_on_task_id BIGINT NOT NULL REFERENCES processing_queue(id) ON DELETE CASCADE,
		dependency_type TEXT NOT NULL DEFAULT 'completion'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dependencies_dependent ON task_dependencies (dependent_task_id)`,

	// External business row. The core only touches processing_status and
	// results_file_path; everything else belongs to the REST backend.
	`CREATE TABLE IF NOT EXISTS documents (
		id BIGINT PRIMARY KEY,
		processing_status TEXT NOT NULL DEFAULT 'queued',
		results_file_path TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS visual_analysis_cache (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL,
		vision_model TEXT NOT NULL,
		prompt_used TEXT NOT NULL,
		analysis_result_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, vision_model, prompt_used)
	)`,

	`CREATE TABLE IF NOT EXISTS extraction_experiments (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL,
		experiment_name TEXT NOT NULL DEFAULT '',
		results_json JSONB,
		template_processing_results_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_document ON extraction_experiments (document_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS specialized_analyses (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL,
		analysis_type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_specialized_document ON specialized_analyses (document_id)`,

	`CREATE TABLE IF NOT EXISTS slide_feedback (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL,
		slide_number INT NOT NULL,
		feedback TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, slide_number)
	)`,

	`CREATE TABLE IF NOT EXISTS pipeline_configs (
		config_key TEXT PRIMARY KEY,
		config_value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS prompts (
		stage_name TEXT PRIMARY KEY,
		prompt_text TEXT NOT NULL
	)`,
}
