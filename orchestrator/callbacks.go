package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/gorilla/websocket"

	"github.com/deckflow/deckflow/orchestrator/idempotency"
	"github.com/deckflow/deckflow/orchestrator/observability"
	"github.com/deckflow/deckflow/orchestrator/queue"
	"github.com/deckflow/deckflow/orchestrator/store"
)

// API exposes the enqueue surface and the internal endpoints the GPU
// worker calls back into.
type API struct {
	store   store.Store
	manager *queue.Manager

	idempotency *idempotency.Store
	hub         *ProgressHub

	// Storm protection for the chatty GPU callbacks.
	progressLimiter *rate.Limiter
	resultsLimiter  *rate.Limiter

	upgrader websocket.Upgrader
}

// NewAPI wires the HTTP surface.
func NewAPI(s store.Store, manager *queue.Manager, idemStore *idempotency.Store, hub *ProgressHub) *API {
	return &API{
		store:       s,
		manager:     manager,
		idempotency: idemStore,
		hub:         hub,
		// Allow 100 progress callbacks/sec, burst 200
		progressLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Allow 20 result writes/sec, burst 40
		resultsLimiter: rate.NewLimiter(rate.Limit(20), 40),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the cached response when the GPU redelivers a
// callback with the same X-Idempotency-Key.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, extra map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// -- Enqueue surface --

type enqueueRequest struct {
	DocumentID int64           `json:"document_id"`
	FilePath   string          `json:"file_path"`
	CompanyID  string          `json:"company_id"`
	TaskType   string          `json:"task_type"`
	Priority   string          `json:"priority"`
	Options    json.RawMessage `json:"processing_options"`
}

func parsePriority(s string) int {
	switch s {
	case "urgent":
		return store.PriorityUrgent
	case "high":
		return store.PriorityHigh
	default:
		return store.PriorityNormal
	}
}

// handleEnqueue inserts a processing task for a document.
func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == 0 || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "document_id and file_path are required")
		return
	}

	id, err := a.manager.AddTask(r.Context(), queue.AddTaskParams{
		DocumentID: req.DocumentID,
		FilePath:   req.FilePath,
		CompanyID:  req.CompanyID,
		TaskType:   req.TaskType,
		Priority:   parsePriority(req.Priority),
		Options:    req.Options,
	})
	if err != nil {
		log.Printf("API: enqueue for document %d failed: %v", req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeSuccess(w, map[string]interface{}{"task_id": id})
}

type retryTaskRequest struct {
	TaskID int64 `json:"task_id"`
}

// handleRetryTask re-queues one failed task on operator request.
func (a *API) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req retryTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == 0 {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	requeued, err := a.manager.RetryFailedTask(r.Context(), req.TaskID)
	if err != nil {
		log.Printf("API: retry for task %d failed: %v", req.TaskID, err)
		writeError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}
	if !requeued {
		writeError(w, http.StatusConflict, "task is not failed or has no retries left")
		return
	}
	writeSuccess(w, map[string]interface{}{"task_id": req.TaskID})
}

// handleTaskProgress serves GET /api/progress/{document_id} for UI polling.
func (a *API) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	documentID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || documentID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	progress, err := a.manager.TaskProgress(r.Context(), documentID)
	if err != nil {
		log.Printf("API: progress lookup for document %d failed: %v", documentID, err)
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	if progress == nil {
		writeError(w, http.StatusNotFound, "no active task for document")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleQueueStats serves GET /api/queue/stats.
func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.manager.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleProgressStream upgrades to a WebSocket feed of task lifecycle
// events, optionally filtered by ?document_id=.
func (a *API) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	var documentID int64
	if idStr := r.URL.Query().Get("document_id"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid document_id")
			return
		}
		documentID = id
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: WebSocket upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn, documentID)

	// Read pump: we never expect client messages, but reading detects
	// disconnects.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// -- GPU callback endpoints --

type progressCallback struct {
	DocumentID         int64  `json:"document_id"`
	ProgressPercentage int    `json:"progress_percentage"`
	CurrentStep        string `json:"current_step"`
	ProgressMessage    string `json:"progress_message"`
	Phase              string `json:"phase"`
}

// handleUpdateProcessingProgress applies a GPU progress callback to the
// in-flight task for the document. An unknown document is a warning, not
// an error: the GPU must never be failed for reporting late.
func (a *API) handleUpdateProcessingProgress(w http.ResponseWriter, r *http.Request) {
	if !a.progressLimiter.Allow() {
		a.writeRateLimitError(w, "update-processing-progress")
		return
	}

	var req progressCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.CallbackRequests.WithLabelValues("update-processing-progress", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == 0 {
		observability.CallbackRequests.WithLabelValues("update-processing-progress", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	found, err := a.store.UpdateProgressByDocument(r.Context(), req.DocumentID, req.ProgressPercentage, req.CurrentStep, req.ProgressMessage, req.Phase)
	if err != nil {
		observability.CallbackRequests.WithLabelValues("update-processing-progress", "error").Inc()
		log.Printf("API: progress callback for document %d failed: %v", req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "failed to update progress")
		return
	}
	if !found {
		observability.CallbackRequests.WithLabelValues("update-processing-progress", "warning").Inc()
		log.Printf("API: progress callback for document %d ignored: no task in processing", req.DocumentID)
		writeSuccess(w, map[string]interface{}{"warning": "no processing task for document"})
		return
	}

	observability.CallbackRequests.WithLabelValues("update-processing-progress", "ok").Inc()
	writeSuccess(w, nil)
}

type specializedCallback struct {
	DocumentID          int64             `json:"document_id"`
	SpecializedAnalysis map[string]string `json:"specialized_analysis"`
}

// handleSaveSpecializedAnalysis replaces the document's specialized
// analysis rows with the delivered set.
func (a *API) handleSaveSpecializedAnalysis(w http.ResponseWriter, r *http.Request) {
	if !a.resultsLimiter.Allow() {
		a.writeRateLimitError(w, "save-specialized-analysis")
		return
	}

	var req specializedCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.CallbackRequests.WithLabelValues("save-specialized-analysis", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == 0 {
		observability.CallbackRequests.WithLabelValues("save-specialized-analysis", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	if err := a.store.SaveSpecializedAnalyses(r.Context(), req.DocumentID, req.SpecializedAnalysis); err != nil {
		observability.CallbackRequests.WithLabelValues("save-specialized-analysis", "error").Inc()
		log.Printf("API: failed to save specialized analyses for document %d: %v", req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "failed to save analyses")
		return
	}

	observability.CallbackRequests.WithLabelValues("save-specialized-analysis", "ok").Inc()
	writeSuccess(w, nil)
}

type templateProcessingCallback struct {
	DocumentID                int64           `json:"document_id"`
	ExperimentName            string          `json:"experiment_name"`
	TemplateProcessingResults json.RawMessage `json:"template_processing_results"`
}

// handleSaveTemplateProcessing upserts per-chapter template results into
// the document's most recent extraction experiment.
func (a *API) handleSaveTemplateProcessing(w http.ResponseWriter, r *http.Request) {
	if !a.resultsLimiter.Allow() {
		a.writeRateLimitError(w, "save-template-processing")
		return
	}

	var req templateProcessingCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.CallbackRequests.WithLabelValues("save-template-processing", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == 0 {
		observability.CallbackRequests.WithLabelValues("save-template-processing", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	if err := a.store.UpsertTemplateProcessing(r.Context(), req.DocumentID, req.ExperimentName, req.TemplateProcessingResults); err != nil {
		observability.CallbackRequests.WithLabelValues("save-template-processing", "error").Inc()
		log.Printf("API: failed to save template processing for document %d: %v", req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "failed to save results")
		return
	}

	observability.CallbackRequests.WithLabelValues("save-template-processing", "ok").Inc()
	writeSuccess(w, nil)
}

type deckResultsCallback struct {
	DocumentID       int64  `json:"document_id"`
	ResultsFilePath  string `json:"results_file_path"`
	ProcessingStatus string `json:"processing_status"`
}

// handleUpdateDeckResults updates the document row and the currently
// processing task row in one transaction.
func (a *API) handleUpdateDeckResults(w http.ResponseWriter, r *http.Request) {
	if !a.resultsLimiter.Allow() {
		a.writeRateLimitError(w, "update-deck-results")
		return
	}

	var req deckResultsCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.CallbackRequests.WithLabelValues("update-deck-results", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == 0 {
		observability.CallbackRequests.WithLabelValues("update-deck-results", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	if err := a.store.UpdateDeckResults(r.Context(), req.DocumentID, req.ResultsFilePath, req.ProcessingStatus); err != nil {
		observability.CallbackRequests.WithLabelValues("update-deck-results", "error").Inc()
		log.Printf("API: failed to update deck results for document %d: %v", req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "failed to update results")
		return
	}

	observability.CallbackRequests.WithLabelValues("update-deck-results", "ok").Inc()
	writeSuccess(w, nil)
}

type visualAnalysisCallback struct {
	DocumentID  int64           `json:"document_id"`
	VisionModel string          `json:"vision_model"`
	Prompt      string          `json:"prompt"`
	Analysis    json.RawMessage `json:"analysis"`
}

// handleSaveVisualAnalysis caches a visual-analysis blob for a document.
// The GPU overwrites the cache row on re-runs, keeping phases idempotent.
func (a *API) handleSaveVisualAnalysis(w http.ResponseWriter, r *http.Request) {
	if !a.resultsLimiter.Allow() {
		a.writeRateLimitError(w, "save-visual-analysis")
		return
	}

	var req visualAnalysisCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.CallbackRequests.WithLabelValues("save-visual-analysis", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == 0 || req.VisionModel == "" {
		observability.CallbackRequests.WithLabelValues("save-visual-analysis", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "document_id and vision_model are required")
		return
	}

	if err := a.store.SaveVisualAnalysis(r.Context(), req.DocumentID, req.VisionModel, req.Prompt, req.Analysis); err != nil {
		observability.CallbackRequests.WithLabelValues("save-visual-analysis", "error").Inc()
		log.Printf("API: failed to save visual analysis for document %d: %v", req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "failed to save analysis")
		return
	}

	observability.CallbackRequests.WithLabelValues("save-visual-analysis", "ok").Inc()
	writeSuccess(w, nil)
}
