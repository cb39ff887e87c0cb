package main

import (
	"context"
	"log"
	"time"

	"github.com/deckflow/deckflow/orchestrator/observability"
	"github.com/deckflow/deckflow/orchestrator/queue"
	"github.com/deckflow/deckflow/orchestrator/store"
)

// retryEveryNTicks spaces out the failed-task sweep: with the default 30s
// heartbeat that is one sweep every 5 minutes.
const retryEveryNTicks = 10

// failedTaskMaxAgeHours bounds how far back the sweep re-queues failures.
const failedTaskMaxAgeHours = 24

// Monitor runs the background heartbeat and recovery loop: worker
// liveness, expired-lock reclaim, and the periodic failed-task sweep.
type Monitor struct {
	manager  *queue.Manager
	store    store.Store
	interval time.Duration

	// activeLoad reports how many drivers are busy right now.
	activeLoad func() int
}

// NewMonitor creates the heartbeat/recovery loop.
func NewMonitor(manager *queue.Manager, s store.Store, interval time.Duration, activeLoad func() int) *Monitor {
	return &Monitor{
		manager:    manager,
		store:      s,
		interval:   interval,
		activeLoad: activeLoad,
	}
}

// Start runs the loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Monitor: heartbeat loop started (interval %v)", m.interval)

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			m.beat(ctx, tick)
		}
	}
}

func (m *Monitor) beat(ctx context.Context, tick int) {
	load := 0
	if m.activeLoad != nil {
		load = m.activeLoad()
	}
	if err := m.manager.Heartbeat(ctx, load); err != nil {
		log.Printf("Monitor: heartbeat failed: %v", err)
	}

	if _, err := m.manager.RecoverAbandonedTasks(ctx); err != nil {
		log.Printf("Monitor: lock cleanup failed: %v", err)
	}

	m.refreshQueueDepth(ctx)

	if tick%retryEveryNTicks == 0 {
		if _, err := m.manager.RetryFailedTasks(ctx, failedTaskMaxAgeHours); err != nil {
			log.Printf("Monitor: failed-task sweep failed: %v", err)
		}
	}
}

func (m *Monitor) refreshQueueDepth(ctx context.Context) {
	stats, err := m.store.GetQueueStats(ctx)
	if err != nil {
		log.Printf("Monitor: failed to read queue stats: %v", err)
		return
	}
	observability.QueueDepth.WithLabelValues(store.StatusQueued).Set(float64(stats.Queued))
	observability.QueueDepth.WithLabelValues(store.StatusProcessing).Set(float64(stats.Processing))
	observability.QueueDepth.WithLabelValues(store.StatusCompleted).Set(float64(stats.Completed))
	observability.QueueDepth.WithLabelValues(store.StatusFailed).Set(float64(stats.Failed))
	observability.QueueDepth.WithLabelValues(store.StatusRetry).Set(float64(stats.Retry))
}
