package store

import (
	"context"
	"errors"
	"time"

	"telecast/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map store (tests, single-shot runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the task pipeline.
//
// The task document is the single source of truth: workers re-read before
// mutating and write back the full object. Last-writer-wins is fine because
// dispatch/expiry for one task never run concurrently.
type Store interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	TaskByID(ctx context.Context, taskID string) (*domain.Task, error)
	SaveTask(ctx context.Context, t *domain.Task) error

	// UpdateReceiptMetrics updates the metrics of the single receipt matching
	// (recipientID, messageID) without rewriting the rest of the task.
	// It reports whether a matching receipt was found.
	UpdateReceiptMetrics(ctx context.Context, taskID, recipientID string, messageID int, m domain.Metrics) (bool, error)

	// ListTasks returns tasks most-recent-first, up to limit (0 = no limit).
	ListTasks(ctx context.Context, limit int) ([]*domain.Task, error)

	// ExpiryCandidates returns success-bearing tasks whose expiry instant
	// (completedAt + expiryHours) has passed at the given time.
	ExpiryCandidates(ctx context.Context, now time.Time) ([]*domain.Task, error)

	SaveFolder(ctx context.Context, f *domain.Folder) error
	FoldersByIDs(ctx context.Context, userID string, ids []string) ([]domain.Folder, error)
	ListFolders(ctx context.Context, userID string) ([]domain.Folder, error)

	UpsertEntities(ctx context.Context, es []domain.Entity) error
	EntitiesByIDs(ctx context.Context, userID string, ids []string) (map[string]domain.Entity, error)

	Close() error
}

// expired reports whether t's expiry instant has passed at now.
// Candidate filtering shares this so sqlite and memory agree exactly.
func expired(t *domain.Task, now time.Time) bool {
	if t.Status != domain.StatusCompleted && t.Status != domain.StatusPartial {
		return false
	}
	at, ok := t.ExpiresAt()
	return ok && !now.Before(at)
}
