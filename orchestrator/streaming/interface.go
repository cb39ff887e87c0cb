package streaming

import (
	"context"
	"time"
)

// Topics published by the queue manager and pipeline driver.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskProgress  = "task.progress"
	TopicTaskCompleted = "task.completed"
)

// Event is the wire form of a task lifecycle notification.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher delivers task lifecycle events to interested consumers
// (log sink, WebSocket hub). Publish must never block task processing.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
