package transport

import (
	"context"
	"errors"

	"telecast/internal/domain"
)

// MessageRef identifies one delivered message on the platform.
type MessageRef struct {
	RecipientID string
	MessageID   int
}

// ErrMissingCredentials is returned when a client is constructed or used
// without the token/API credentials it needs. Tasks hitting this go straight
// to failed with the message preserved for the operator.
var ErrMissingCredentials = errors.New("telegram credentials are not configured")

// ErrStatsNotFound is returned by StatsClient when the platform no longer
// knows the message (deleted channel/message). Callers stop tracking on it.
var ErrStatsNotFound = errors.New("message stats not found")

// Sender delivers one logical message (text, media or quiz poll) to one
// recipient and returns the platform handle needed for later deletion.
type Sender interface {
	Send(ctx context.Context, recipientID string, typ domain.TaskType, content domain.Content) (MessageRef, error)
}

// Deleter removes one previously delivered message for one recipient.
type Deleter interface {
	Delete(ctx context.Context, recipientID string, messageID int) error
}

// StatsClient fetches live engagement counters for one delivered message.
type StatsClient interface {
	MessageStats(ctx context.Context, recipientID string, messageID int) (domain.Metrics, error)
}

// Client is the full transport surface consumed by the task pipeline.
type Client interface {
	Sender
	Deleter
	StatsClient
}
