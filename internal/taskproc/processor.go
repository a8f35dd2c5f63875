// Package taskproc drives the task lifecycle: creation, dispatch, undo.
package taskproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telecast/internal/dispatch"
	"telecast/internal/domain"
	"telecast/internal/queue"
	"telecast/internal/resolver"
	"telecast/internal/store"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

// DefaultTrackDelay is how long after dispatch the first metrics poll runs.
// Counters right after a send are all zero, so polling immediately is wasted.
const DefaultTrackDelay = 15 * time.Minute

var (
	// ErrTaskUndone is returned when processing is requested for a task that
	// was already undone. Undone is terminal.
	ErrTaskUndone = errors.New("task is undone")
	// ErrNotUndoable is returned by Undo for tasks that never delivered
	// anything.
	ErrNotUndoable = errors.New("task has no sent messages to undo")
)

// CreateRequest carries everything needed to register a new task.
type CreateRequest struct {
	UserID      string
	Name        string
	Type        domain.TaskType
	Content     domain.Content
	FolderIDs   []string
	ScheduledAt *time.Time
	ExpiryHours float64
}

type Config struct {
	// TrackDelay is the initial delay before the first metrics poll.
	TrackDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TrackDelay <= 0 {
		c.TrackDelay = DefaultTrackDelay
	}
	return c
}

// Processor owns task state transitions. Dispatch and undo for one task never
// run concurrently; the broadcast queue lane guarantees that.
type Processor struct {
	store    store.Store
	resolver *resolver.Resolver
	disp     *dispatch.Dispatcher
	deleter  transport.Deleter
	sched    queue.Scheduler
	enc      queue.Encoder
	cfg      Config
	log      logx.Logger
}

func New(st store.Store, res *resolver.Resolver, d *dispatch.Dispatcher, del transport.Deleter, sched queue.Scheduler, cfg Config, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		store:    st,
		resolver: res,
		disp:     d,
		deleter:  del,
		sched:    sched,
		enc:      &queue.JSONEncoder{},
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Schedule validates and persists a new task, then arms its dispatch job.
// A nil or past ScheduledAt means "dispatch as soon as possible".
func (p *Processor) Schedule(ctx context.Context, req CreateRequest) (*domain.Task, error) {
	if err := domain.ValidateContent(req.Type, req.Content); err != nil {
		return nil, err
	}
	if len(req.FolderIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one folder is required", domain.ErrInvalidContent)
	}

	recipients, err := p.resolver.Resolve(ctx, req.UserID, req.FolderIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t := &domain.Task{
		TaskID:         uuid.NewString(),
		UserID:         req.UserID,
		Name:           req.Name,
		Type:           req.Type,
		Content:        req.Content,
		FolderIDs:      req.FolderIDs,
		RecipientCount: len(recipients),
		ScheduledAt:    req.ScheduledAt,
		ExpiryHours:    req.ExpiryHours,
		Status:         domain.StatusPending,
		CreatedAt:      now,
	}
	if err := p.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	var delay time.Duration
	if req.ScheduledAt != nil {
		delay = time.Until(*req.ScheduledAt)
		if delay < 0 {
			delay = 0
		}
	}
	if err := p.sched.Schedule(ctx, queue.KindDispatch, queue.DispatchPayload{TaskID: t.TaskID}, delay); err != nil {
		return nil, fmt.Errorf("arming dispatch for task %s: %w", t.TaskID, err)
	}

	p.log.Info("task scheduled",
		logx.String("task", t.TaskID),
		logx.String("type", string(t.Type)),
		logx.Int("recipients", t.RecipientCount),
		logx.Duration("delay", delay))
	return t, nil
}

// Process runs one task end to end: resolve recipients, fan out, record the
// terminal status, and arm follow-up jobs. Any fatal error marks the task
// failed with the reason recorded, then propagates.
func (p *Processor) Process(ctx context.Context, taskID string) error {
	t, err := p.store.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if t.Status == domain.StatusUndone {
		p.log.Info("skipping undone task", logx.String("task", taskID))
		return ErrTaskUndone
	}

	t.Status = domain.StatusProcessing
	if err := p.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("marking task %s processing: %w", taskID, err)
	}

	if err := p.run(ctx, t); err != nil {
		t.Status = domain.StatusFailed
		t.Results.Errors = append(t.Results.Errors, err.Error())
		now := time.Now()
		t.CompletedAt = &now
		if saveErr := p.store.SaveTask(ctx, t); saveErr != nil {
			p.log.Error("failed recording task failure", logx.String("task", taskID), logx.Err(saveErr))
		}
		return fmt.Errorf("processing task %s: %w", taskID, err)
	}
	return nil
}

func (p *Processor) run(ctx context.Context, t *domain.Task) error {
	recipients, err := p.resolver.Resolve(ctx, t.UserID, t.FolderIDs)
	if err != nil {
		return err
	}
	t.RecipientCount = len(recipients)

	kinds, err := p.store.EntitiesByIDs(ctx, t.UserID, recipients)
	if err != nil {
		// Kinds only gate metrics tracking; a send must not die over them.
		p.log.Warn("entity kind lookup failed", logx.String("task", t.TaskID), logx.Err(err))
		kinds = map[string]domain.Entity{}
	}

	res, derr := p.disp.Dispatch(ctx, recipients, t.Type, t.Content, kinds)
	if res != nil {
		// Receipts already earned stay on the task even when the fan-out
		// aborts mid-batch; losing one makes that message undeletable and
		// untrackable forever. Process persists them with the failure.
		t.Results = domain.Results{Success: res.Success, Failed: res.Failed, Errors: res.Errors}
		t.SentMessages = res.Receipts
	}
	if derr != nil {
		return derr
	}

	now := time.Now()
	t.Status = domain.StatusFromCounts(res.Success, res.Failed)
	t.CompletedAt = &now
	if err := p.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("recording results: %w", err)
	}

	p.armFollowups(ctx, t, now)

	p.log.Info("task finished",
		logx.String("task", t.TaskID),
		logx.String("status", string(t.Status)),
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed))
	return nil
}

// armFollowups schedules metrics tracking for trackable receipts and the
// expiry job when the task carries one. Arming failures are logged, never
// fatal: the scheduler chain already degraded as far as it could, and the
// expiry poller backstops lost expire jobs.
func (p *Processor) armFollowups(ctx context.Context, t *domain.Task, now time.Time) {
	for _, r := range t.SentMessages {
		if !r.Trackable() {
			continue
		}
		payload := queue.TrackPayload{
			TaskID:            t.TaskID,
			RecipientID:       r.RecipientID,
			MessageID:         r.MessageID,
			StartedTrackingAt: now.UnixMilli(),
		}
		if err := p.sched.Schedule(ctx, queue.KindTrackMetrics, payload, p.cfg.TrackDelay); err != nil {
			p.log.Warn("failed arming metrics tracking",
				logx.String("task", t.TaskID), logx.String("recipient", r.RecipientID), logx.Err(err))
		}
	}

	if at, ok := t.ExpiresAt(); ok {
		delay := at.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := p.sched.Schedule(ctx, queue.KindExpire, queue.ExpirePayload{TaskID: t.TaskID}, delay); err != nil {
			p.log.Warn("failed arming expiry", logx.String("task", t.TaskID), logx.Err(err))
		}
	}
}

// Undo deletes every delivered message and marks the task undone. Individual
// deletion failures are logged and skipped so one dead chat cannot wedge the
// rest; the task still ends undone. Returns how many deletions succeeded.
func (p *Processor) Undo(ctx context.Context, taskID string) (int, error) {
	t, err := p.store.TaskByID(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if t.Status == domain.StatusUndone {
		return 0, nil
	}
	if len(t.SentMessages) == 0 {
		return 0, ErrNotUndoable
	}

	deleted := 0
	for _, r := range t.SentMessages {
		if err := p.deleter.Delete(ctx, r.RecipientID, r.MessageID); err != nil {
			p.log.Warn("message deletion failed",
				logx.String("task", taskID),
				logx.String("recipient", r.RecipientID),
				logx.Int("message", r.MessageID),
				logx.Err(err))
			continue
		}
		deleted++
	}

	t.SentMessages = nil
	t.Status = domain.StatusUndone
	if err := p.store.SaveTask(ctx, t); err != nil {
		return deleted, fmt.Errorf("marking task %s undone: %w", taskID, err)
	}

	p.log.Info("task undone", logx.String("task", taskID), logx.Int("deleted", deleted))
	return deleted, nil
}

// HandleDispatch is the queue handler for dispatch jobs.
func (p *Processor) HandleDispatch(ctx context.Context, payload []byte) error {
	var pl queue.DispatchPayload
	if err := p.enc.Decode(payload, &pl); err != nil {
		return fmt.Errorf("decoding dispatch payload: %w", err)
	}
	err := p.Process(ctx, pl.TaskID)
	if errors.Is(err, ErrTaskUndone) {
		return nil
	}
	return err
}
