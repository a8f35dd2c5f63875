// Package queue provides deferred job scheduling for the task pipeline.
//
// Two interchangeable backends implement Scheduler: a Redis delay queue
// (durable, survives restarts) and an in-process timer (fallback). The Chain
// facade prefers the durable backend and degrades to the timer when arming a
// job fails, so scheduling-backend unavailability is never fatal.
package queue

import (
	"context"
	"time"
)

// Kind names a deferred job type.
type Kind string

const (
	// KindDispatch runs a pending task now.
	KindDispatch Kind = "dispatch"
	// KindExpire deletes a completed task's sent messages and marks it undone.
	KindExpire Kind = "expire"
	// KindTrackMetrics polls engagement counters for one sent message and
	// may re-arm itself until the tracking window closes.
	KindTrackMetrics Kind = "track-metrics"
)

// Lane names. Broadcast jobs (dispatch/expire) mutate task documents and run
// strictly one at a time; analytics jobs are read-mostly and may run wider.
const (
	LaneBroadcast = "broadcast"
	LaneAnalytics = "analytics"
)

// LaneFor routes a job kind to its processing lane.
func LaneFor(kind Kind) string {
	if kind == KindTrackMetrics {
		return LaneAnalytics
	}
	return LaneBroadcast
}

// Job is one unit of delayed work. Consumed exactly once per firing;
// re-arming creates a new job rather than mutating the old one.
type Job struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at,omitempty"` // unix milli
}

// Scheduler arms a job to fire after delay. A delay <= 0 means "as soon as
// possible". Payload is any JSON-encodable value.
type Scheduler interface {
	Schedule(ctx context.Context, kind Kind, payload any, delay time.Duration) error
}

// DispatchPayload triggers task processing.
type DispatchPayload struct {
	TaskID string `json:"taskId"`
}

// ExpirePayload triggers expiry deletion for a completed task.
type ExpirePayload struct {
	TaskID string `json:"taskId"`
}

// TrackPayload tracks one sent message's engagement counters.
type TrackPayload struct {
	TaskID            string `json:"taskId"`
	RecipientID       string `json:"recipientId"`
	MessageID         int    `json:"messageId"`
	StartedTrackingAt int64  `json:"startedTrackingAt"` // unix milli
}
