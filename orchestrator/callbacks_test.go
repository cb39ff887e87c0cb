package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deckflow/deckflow/orchestrator/idempotency"
	"github.com/deckflow/deckflow/orchestrator/middleware"
	"github.com/deckflow/deckflow/orchestrator/queue"
	"github.com/deckflow/deckflow/orchestrator/store"
)

func newTestAPI() (*API, *store.MemoryStore) {
	s := store.NewMemoryStore(store.DefaultParams())
	manager := queue.NewManager(s, nil, queue.Config{MaxConcurrentTasks: 3, DefaultMaxRetries: 3})
	return NewAPI(s, manager, idempotency.NewStore(nil), NewProgressHub()), s
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestProgressCallbackUnknownDocument(t *testing.T) {
	api, _ := newTestAPI()

	rec := postJSON(t, api.handleUpdateProcessingProgress, map[string]interface{}{
		"document_id":         9999,
		"progress_percentage": 50,
		"current_step":        "Template Analysis",
	}, nil)

	// Unknown document must not fail the GPU: 200 with a warning.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success:true, got %v", body)
	}
	if body["warning"] == nil {
		t.Errorf("expected a warning, got %v", body)
	}
}

func TestProgressCallbackUpdatesTask(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	id, _, _ := s.AddTask(ctx, &store.NewTask{DocumentID: 101, TaskType: store.TaskPDFAnalysis, FilePath: "a.pdf"})
	s.GetNextTask(ctx, "w1", nil)

	rec := postJSON(t, api.handleUpdateProcessingProgress, map[string]interface{}{
		"document_id":         101,
		"progress_percentage": 72,
		"current_step":        "Template Analysis",
		"progress_message":    "chapter 5/9",
		"phase":               "template_analysis",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	task, _ := s.GetTask(ctx, id)
	if task.ProgressPercentage != 72 || task.CurrentStep != "Template Analysis" {
		t.Errorf("callback not applied: %d %q", task.ProgressPercentage, task.CurrentStep)
	}
}

func TestProgressCallbackRequiresDocumentID(t *testing.T) {
	api, _ := newTestAPI()
	rec := postJSON(t, api.handleUpdateProcessingProgress, map[string]interface{}{"progress_percentage": 10}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSaveSpecializedAnalysisReplacesRows(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	rec := postJSON(t, api.handleSaveSpecializedAnalysis, map[string]interface{}{
		"document_id": 101,
		"specialized_analysis": map[string]string{
			"clinical_validation": "first pass",
			"regulatory_pathway":  "510(k) likely",
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = postJSON(t, api.handleSaveSpecializedAnalysis, map[string]interface{}{
		"document_id": 101,
		"specialized_analysis": map[string]string{
			"clinical_validation": "second pass",
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rows, _ := s.GetSpecializedAnalyses(ctx, 101)
	if len(rows) != 1 {
		t.Fatalf("expected replace-all to leave 1 row, got %d", len(rows))
	}
	if rows[0].Content != "second pass" {
		t.Errorf("expected replaced content, got %q", rows[0].Content)
	}
}

func TestSaveTemplateProcessingUpserts(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	results := json.RawMessage(`{"chapters":{"1":"done"}}`)
	rec := postJSON(t, api.handleSaveTemplateProcessing, map[string]interface{}{
		"document_id":                 101,
		"experiment_name":             "doc-101-extraction",
		"template_processing_results": results,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Re-delivery overwrites, not duplicates.
	updated := `{"chapters":{"1":"done","2":"done"}}`
	rec = postJSON(t, api.handleSaveTemplateProcessing, map[string]interface{}{
		"document_id":                 101,
		"template_processing_results": json.RawMessage(updated),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	exp, _ := s.GetExtractionExperiment(ctx, 101)
	if exp == nil {
		t.Fatal("expected an experiment row")
	}
	if exp.ExperimentName != "doc-101-extraction" {
		t.Errorf("expected original experiment name kept, got %q", exp.ExperimentName)
	}
	if string(exp.TemplateProcessingResults) != updated {
		t.Errorf("expected latest results, got %s", exp.TemplateProcessingResults)
	}
}

func TestUpdateDeckResults(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	id, _, _ := s.AddTask(ctx, &store.NewTask{DocumentID: 101, TaskType: store.TaskPDFAnalysis, FilePath: "a.pdf"})
	s.GetNextTask(ctx, "w1", nil)

	rec := postJSON(t, api.handleUpdateDeckResults, map[string]interface{}{
		"document_id":       101,
		"results_file_path": "results/101.json",
		"processing_status": "completed",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	status, _ := s.GetDocumentStatus(ctx, 101)
	if status != "completed" {
		t.Errorf("expected document completed, got %q", status)
	}
	task, _ := s.GetTask(ctx, id)
	if task.ResultsFilePath != "results/101.json" {
		t.Errorf("expected task results path updated, got %q", task.ResultsFilePath)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	handler := api.withIdempotency(api.handleSaveSpecializedAnalysis)
	body := map[string]interface{}{
		"document_id":          101,
		"specialized_analysis": map[string]string{"clinical_validation": "v1"},
	}
	headers := map[string]string{"X-Idempotency-Key": "delivery-1"}

	rec1 := postJSON(t, handler, body, headers)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec1.Code)
	}

	// Mutate the store out of band, then replay: the cached response comes
	// back and the store is untouched.
	s.SaveSpecializedAnalyses(ctx, 101, map[string]string{"clinical_validation": "v2"})

	rec2 := postJSON(t, handler, body, headers)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200, got %d", rec2.Code)
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Errorf("replayed body differs: %q vs %q", rec1.Body.String(), rec2.Body.String())
	}

	rows, _ := s.GetSpecializedAnalyses(ctx, 101)
	if len(rows) != 1 || rows[0].Content != "v2" {
		t.Errorf("replay must not re-execute the handler, got %+v", rows)
	}
}

func TestRetryTaskEndpoint(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	rec := postJSON(t, api.handleRetryTask, map[string]interface{}{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without task_id, got %d", rec.Code)
	}

	// A task that is not failed is refused.
	id, _, _ := s.AddTask(ctx, &store.NewTask{DocumentID: 101, TaskType: store.TaskPDFAnalysis, FilePath: "a.pdf", MaxRetries: 1})
	rec = postJSON(t, api.handleRetryTask, map[string]interface{}{"task_id": id}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-failed task, got %d", rec.Code)
	}

	// So is one with no retries left.
	s.GetNextTask(ctx, "w1", nil)
	s.CompleteTask(ctx, id, "w1", false, "", "boom", nil)
	rec = postJSON(t, api.handleRetryTask, map[string]interface{}{"task_id": id}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for exhausted task, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInternalAuth(t *testing.T) {
	api, _ := newTestAPI()

	protected := middleware.InternalAuth("secret", http.HandlerFunc(api.handleQueueStats))

	req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	req.Header.Set(middleware.InternalTokenHeader, "secret")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", rec.Code)
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	api, s := newTestAPI()
	ctx := context.Background()

	rec := postJSON(t, api.handleEnqueue, map[string]interface{}{
		"document_id":        101,
		"file_path":          "p/u/a.pdf",
		"company_id":         "acme",
		"priority":           "high",
		"processing_options": map[string]interface{}{"use_single_template": false},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["task_id"] == nil {
		t.Fatalf("expected task_id in response, got %v", body)
	}

	task, _ := s.GetActiveTaskByDocument(ctx, 101)
	if task == nil {
		t.Fatal("expected an active task")
	}
	if task.Priority != store.PriorityHigh {
		t.Errorf("expected high priority, got %d", task.Priority)
	}

	// Missing fields are a 400.
	rec = postJSON(t, api.handleEnqueue, map[string]interface{}{"file_path": "x.pdf"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
