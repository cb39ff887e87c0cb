package queue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deckflow/deckflow/orchestrator/store"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestManager(params store.Params) (*Manager, *store.MemoryStore, *capturePublisher) {
	s := store.NewMemoryStore(params)
	pub := &capturePublisher{}
	m := NewManager(s, pub, Config{MaxConcurrentTasks: 3, DefaultMaxRetries: 3})
	return m, s, pub
}

func defaultParams() store.Params {
	return store.Params{
		LeaseDuration: 30 * time.Minute,
		BackoffBase:   60 * time.Second,
		BackoffCap:    time.Hour,
	}
}

func TestAddTaskIdempotent(t *testing.T) {
	m, _, pub := newTestManager(defaultParams())
	ctx := context.Background()

	id1, err := m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf", CompanyID: "acme"})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	id2, err := m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf", CompanyID: "acme"})
	if err != nil {
		t.Fatalf("duplicate AddTask failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same task id, got %d and %d", id1, id2)
	}
	// Only the insert publishes an enqueue event.
	if got := pub.count("task.enqueued"); got != 1 {
		t.Errorf("expected 1 enqueue event, got %d", got)
	}
}

func TestLeaseAndCompleteLifecycle(t *testing.T) {
	m, s, pub := newTestManager(defaultParams())
	ctx := context.Background()

	if err := m.RegisterServer(ctx); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}

	m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf"})

	task, err := m.NextTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("expected a leased task, got %v, %v", task, err)
	}
	if task.LockedBy != m.ServerID() {
		t.Errorf("expected lease by %s, got %s", m.ServerID(), task.LockedBy)
	}

	if err := m.UpdateTaskProgress(ctx, task, 10, "Visual Analysis", "running", "completed", nil); err != nil {
		t.Fatalf("UpdateTaskProgress failed: %v", err)
	}

	if err := m.CompleteTask(ctx, task, true, "results/101.json", "", nil); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if pub.count("task.progress") != 1 || pub.count("task.completed") != 1 {
		t.Errorf("unexpected event counts: %v", pub.topics)
	}
}

func TestSpecializedFanOut(t *testing.T) {
	m, s, _ := newTestManager(defaultParams())
	ctx := context.Background()

	options := []byte(`{"use_single_template":false}`)
	m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf", CompanyID: "acme", Options: options})

	task, _ := m.NextTask(ctx)
	if task == nil {
		t.Fatal("expected a task")
	}
	if err := m.CompleteTaskAndCreateSpecialized(ctx, task, true, "results/101.json", "", nil); err != nil {
		t.Fatalf("CompleteTaskAndCreateSpecialized failed: %v", err)
	}

	stats, _ := s.GetQueueStats(ctx)
	if stats.Queued != 3 {
		t.Fatalf("expected 3 specialized tasks queued, got %d", stats.Queued)
	}

	// The fan-out must not undo the terminal document state.
	docStatus, _ := s.GetDocumentStatus(ctx, 101)
	if docStatus != store.DocCompleted {
		t.Errorf("expected document completed after fan-out, got %q", docStatus)
	}

	// Each carries the parent's file path, company, and options, and is
	// leasable because the parent completed.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		child, err := m.NextTask(ctx)
		if err != nil || child == nil {
			t.Fatalf("expected specialized task %d, got %v, %v", i, child, err)
		}
		seen[child.TaskType] = true
		if child.FilePath != "a.pdf" || child.CompanyID != "acme" {
			t.Errorf("specialized task lost parent fields: %+v", child)
		}
		if !bytes.Equal(child.ProcessingOptions, options) {
			t.Errorf("specialized task options not inherited: %s", child.ProcessingOptions)
		}
	}
	for _, want := range []string{store.TaskSpecializedClinical, store.TaskSpecializedRegulatory, store.TaskSpecializedScience} {
		if !seen[want] {
			t.Errorf("missing specialized task type %s", want)
		}
	}
}

func TestNoFanOutOnFailure(t *testing.T) {
	m, s, _ := newTestManager(defaultParams())
	ctx := context.Background()

	m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf"})
	task, _ := m.NextTask(ctx)

	if err := m.CompleteTaskAndCreateSpecialized(ctx, task, false, "", "Visual analysis failed - boom", nil); err != nil {
		t.Fatalf("CompleteTaskAndCreateSpecialized failed: %v", err)
	}

	stats, _ := s.GetQueueStats(ctx)
	if stats.Queued != 0 {
		t.Errorf("failure must not fan out specialized tasks, got %d queued", stats.Queued)
	}
	if stats.Retry != 1 {
		t.Errorf("expected the failed attempt in retry, got %+v", stats)
	}
}

func TestNoFanOutForSpecializedTasks(t *testing.T) {
	m, s, _ := newTestManager(defaultParams())
	ctx := context.Background()

	m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf", TaskType: store.TaskSpecializedClinical})
	task, _ := m.NextTask(ctx)

	if err := m.CompleteTaskAndCreateSpecialized(ctx, task, true, "", "", nil); err != nil {
		t.Fatalf("CompleteTaskAndCreateSpecialized failed: %v", err)
	}

	stats, _ := s.GetQueueStats(ctx)
	if stats.Queued != 0 {
		t.Errorf("specialized tasks must not fan out again, got %d queued", stats.Queued)
	}
}

func TestStaleCompletionRejected(t *testing.T) {
	params := defaultParams()
	params.LeaseDuration = 10 * time.Millisecond
	m, _, _ := newTestManager(params)
	ctx := context.Background()

	m.AddTask(ctx, AddTaskParams{DocumentID: 101, FilePath: "a.pdf"})
	task, _ := m.NextTask(ctx)

	time.Sleep(20 * time.Millisecond)
	count, err := m.RecoverAbandonedTasks(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 reclaimed task, got %d, %v", count, err)
	}

	if err := m.CompleteTask(ctx, task, true, "", "", nil); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost after reclaim, got %v", err)
	}
}

func TestHeartbeatUpdatesRegistration(t *testing.T) {
	m, _, _ := newTestManager(defaultParams())
	ctx := context.Background()

	if err := m.RegisterServer(ctx); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}
	if err := m.Heartbeat(ctx, 2); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
}

func TestServerIDUnique(t *testing.T) {
	a := generateServerID()
	b := generateServerID()
	if a == b {
		t.Errorf("expected distinct server ids, got %s twice", a)
	}
}
