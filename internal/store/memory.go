package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"telecast/internal/domain"
)

// Memory is a map-backed Store. It copies on read and write so callers can
// mutate returned tasks freely before saving them back.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*domain.Task
	folders  map[string]*domain.Folder
	entities map[string]*domain.Entity // keyed by userID+"/"+externalID
}

func NewMemory() *Memory {
	return &Memory{
		tasks:    map[string]*domain.Task{},
		folders:  map[string]*domain.Folder{},
		entities: map[string]*domain.Entity{},
	}
}

func (s *Memory) Close() error { return nil }

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.FolderIDs = append([]string(nil), t.FolderIDs...)
	cp.Results.Errors = append([]string(nil), t.Results.Errors...)
	cp.SentMessages = append([]domain.DeliveryReceipt(nil), t.SentMessages...)
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		cp.ScheduledAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func (s *Memory) CreateTask(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = copyTask(t)
	return nil
}

func (s *Memory) TaskByID(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *Memory) SaveTask(ctx context.Context, t *domain.Task) error {
	return s.CreateTask(ctx, t)
}

func (s *Memory) UpdateReceiptMetrics(ctx context.Context, taskID, recipientID string, messageID int, m domain.Metrics) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	for i := range t.SentMessages {
		r := &t.SentMessages[i]
		if r.RecipientID == recipientID && r.MessageID == messageID {
			r.Metrics = m
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) ListTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ExpiryCandidates(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if expired(t, now) {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (s *Memory) SaveFolder(ctx context.Context, f *domain.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.EntityIDs = append([]string(nil), f.EntityIDs...)
	s.folders[f.ID] = &cp
	return nil
}

func (s *Memory) FoldersByIDs(ctx context.Context, userID string, ids []string) ([]domain.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Folder, 0, len(ids))
	for _, id := range ids {
		f, ok := s.folders[id]
		if !ok || (userID != "" && f.UserID != userID) {
			return nil, ErrNotFound
		}
		cp := *f
		cp.EntityIDs = append([]string(nil), f.EntityIDs...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *Memory) ListFolders(ctx context.Context, userID string) ([]domain.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Folder
	for _, f := range s.folders {
		if userID != "" && f.UserID != userID {
			continue
		}
		cp := *f
		cp.EntityIDs = append([]string(nil), f.EntityIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Memory) UpsertEntities(ctx context.Context, es []domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range es {
		cp := e
		s.entities[e.UserID+"/"+e.ExternalID] = &cp
	}
	return nil
}

func (s *Memory) EntitiesByIDs(ctx context.Context, userID string, ids []string) (map[string]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Entity, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[userID+"/"+id]; ok {
			out[id] = *e
		}
	}
	return out, nil
}
