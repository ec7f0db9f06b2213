package models

import (
	"time"
)

// QueueStatus is the lifecycle state of a queued message. Status
// transitions are owned exclusively by the queue store; callers never
// mutate status directly.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

// QueueMessageType distinguishes why a message entered the queue.
type QueueMessageType string

const (
	QueueTypeIncoming QueueMessageType = "incoming"
	QueueTypeOutgoing QueueMessageType = "outgoing"
	QueueTypeRetry    QueueMessageType = "retry"
)

// QueuedMessage is one durable queue item wrapping a ChatMessage.
// ScheduledAt, when set, delays delivery until that time.
type QueuedMessage struct {
	ID           string           `json:"id"`
	Message      ChatMessage      `json:"message"`
	SessionID    string           `json:"sessionId,omitempty"`
	TargetUserID string           `json:"targetUserId,omitempty"`
	Type         QueueMessageType `json:"type"`
	Status       QueueStatus      `json:"status"`
	RetryCount   int              `json:"retryCount"`
	ScheduledAt  *time.Time       `json:"scheduledAt,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// DeadLetterMessage is a queue item that exhausted its retry budget and is
// held for manual inspection or replay.
type DeadLetterMessage struct {
	QueuedMessage
	ErrorMessage string    `json:"errorMessage"`
	FailedAt     time.Time `json:"failedAt"`
}

// QueueStats summarizes queue depth per status for the admin surface.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"deadLetter"`
}
