package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskType selects the payload shape carried by Task.Content.
type TaskType string

const (
	TypeMessage TaskType = "message"
	TypePoll    TaskType = "poll"
)

// TaskStatus is the task lifecycle state.
//
// Transitions are monotonic:
//
//	pending -> processing -> completed | partially_completed | failed
//	completed | partially_completed -> undone
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusPartial    TaskStatus = "partially_completed"
	StatusFailed     TaskStatus = "failed"
	StatusUndone     TaskStatus = "undone"
)

// Content is a tagged union keyed by Task.Type.
// Message tasks use Text/MediaPath; poll tasks use the Poll* fields.
type Content struct {
	Text      string `json:"text,omitempty"`
	MediaPath string `json:"mediaPath,omitempty"`

	PollQuestion    string   `json:"pollQuestion,omitempty"`
	PollOptions     []string `json:"pollOptions,omitempty"`
	CorrectOption   int      `json:"correctOption,omitempty"`
	PollExplanation string   `json:"pollExplanation,omitempty"`
}

// Metrics holds engagement counters for one sent message.
type Metrics struct {
	Views     int       `json:"views"`
	Forwards  int       `json:"forwards"`
	Replies   int       `json:"replies"`
	Reactions int       `json:"reactions"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// DeliveryReceipt binds one successful send to its deletion/metrics handle.
// A receipt exists iff the send succeeded; it is the sole authority needed
// to later delete that message or query its stats.
type DeliveryReceipt struct {
	RecipientID   string        `json:"recipientId"`
	RecipientKind RecipientKind `json:"recipientKind,omitempty"`
	MessageID     int           `json:"messageId"`
	Metrics       Metrics       `json:"metrics"`
}

// Trackable reports whether this receipt is eligible for metrics polling.
// Only broadcast-style targets expose view/forward counters.
func (r DeliveryReceipt) Trackable() bool { return r.RecipientKind == KindChannel }

// Results aggregates per-recipient dispatch outcomes.
type Results struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Task is one broadcast job targeting a resolved recipient set.
type Task struct {
	TaskID  string   `json:"taskId"`
	UserID  string   `json:"userId"`
	Name    string   `json:"name"`
	Type    TaskType `json:"type"`
	Content Content  `json:"content"`

	FolderIDs      []string `json:"folderIds"`
	RecipientCount int      `json:"recipientCount"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	ExpiryHours float64    `json:"expiryHours,omitempty"`

	Status       TaskStatus        `json:"status"`
	Results      Results           `json:"results"`
	SentMessages []DeliveryReceipt `json:"sentMessages,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ExpiresAt returns the deterministic expiry instant, or false when the task
// carries no expiry or has not completed.
func (t *Task) ExpiresAt() (time.Time, bool) {
	if t.ExpiryHours <= 0 || t.CompletedAt == nil {
		return time.Time{}, false
	}
	d := time.Duration(t.ExpiryHours * float64(time.Hour))
	return t.CompletedAt.Add(d), true
}

// StatusFromCounts maps aggregate dispatch counts to the terminal status.
func StatusFromCounts(success, failed int) TaskStatus {
	switch {
	case success > 0 && failed == 0:
		return StatusCompleted
	case success > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

const (
	minPollOptions = 2
	maxPollOptions = 10
)

var ErrInvalidContent = errors.New("invalid task content")

// ValidateContent checks the payload shape for the given task type.
// It runs at task creation time so malformed content never reaches dispatch.
func ValidateContent(typ TaskType, c Content) error {
	switch typ {
	case TypeMessage:
		if strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.MediaPath) == "" {
			return fmt.Errorf("%w: message requires text or media", ErrInvalidContent)
		}
		return nil
	case TypePoll:
		if strings.TrimSpace(c.PollQuestion) == "" {
			return fmt.Errorf("%w: poll requires a question", ErrInvalidContent)
		}
		if n := len(c.PollOptions); n < minPollOptions || n > maxPollOptions {
			return fmt.Errorf("%w: poll requires %d-%d options, got %d", ErrInvalidContent, minPollOptions, maxPollOptions, n)
		}
		if c.CorrectOption < 0 || c.CorrectOption >= len(c.PollOptions) {
			return fmt.Errorf("%w: correct option index %d out of range", ErrInvalidContent, c.CorrectOption)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidContent, typ)
	}
}
