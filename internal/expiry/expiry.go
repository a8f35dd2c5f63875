// Package expiry removes delivered messages once a task's expiry window
// closes.
//
// Two triggers reach the same handler: the expire job armed right after
// dispatch, and a periodic poller that scans storage for overdue tasks. The
// poller exists because in-process timer jobs do not survive a restart; the
// handler is idempotent so double firing is harmless.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"telecast/internal/domain"
	"telecast/internal/queue"
	"telecast/internal/store"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

// PollSchedule is the overdue-task scan cadence.
const PollSchedule = "@every 1m"

// Clock seam for sweep tests.
var timeNow = time.Now

type Handler struct {
	store   store.Store
	deleter transport.Deleter
	enc     queue.Encoder
	log     logx.Logger
}

func NewHandler(st store.Store, del transport.Deleter, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{store: st, deleter: del, enc: &queue.JSONEncoder{}, log: log}
}

// Expire deletes every delivered message of one task and marks it undone.
// Tasks already undone, still running, or without receipts are skipped.
// Deletion failures are logged per message and do not block the transition.
func (h *Handler) Expire(ctx context.Context, taskID string) error {
	t, err := h.store.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if t.Status != domain.StatusCompleted && t.Status != domain.StatusPartial {
		return nil
	}
	if len(t.SentMessages) == 0 {
		return nil
	}

	deleted := 0
	for _, r := range t.SentMessages {
		if err := h.deleter.Delete(ctx, r.RecipientID, r.MessageID); err != nil {
			h.log.Warn("expiry deletion failed",
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
	if err := h.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("marking task %s undone: %w", taskID, err)
	}

	h.log.Info("task expired", logx.String("task", taskID), logx.Int("deleted", deleted))
	return nil
}

// HandleExpire is the queue handler for expire jobs.
func (h *Handler) HandleExpire(ctx context.Context, payload []byte) error {
	var pl queue.ExpirePayload
	if err := h.enc.Decode(payload, &pl); err != nil {
		return fmt.Errorf("decoding expire payload: %w", err)
	}
	return h.Expire(ctx, pl.TaskID)
}

// Poller periodically sweeps storage for tasks whose expiry instant has
// passed and expires them directly, bypassing the queue.
type Poller struct {
	handler *Handler
	cron    *cron.Cron
	log     logx.Logger
}

func NewPoller(h *Handler, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{handler: h, cron: cron.New(), log: log}
}

// Start registers the sweep and begins the schedule.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc(PollSchedule, func() { p.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("registering expiry sweep: %w", err)
	}
	p.cron.Start()
	p.log.Info("expiry poller started", logx.String("schedule", PollSchedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.log.Info("expiry poller stopped")
}

// Sweep expires every currently overdue task. Visible for tests and for a
// forced sweep at startup.
func (p *Poller) Sweep(ctx context.Context) {
	now := timeNow()
	tasks, err := p.handler.store.ExpiryCandidates(ctx, now)
	if err != nil {
		p.log.Warn("expiry scan failed", logx.Err(err))
		return
	}
	for _, t := range tasks {
		if err := p.handler.Expire(ctx, t.TaskID); err != nil {
			p.log.Warn("expiring overdue task failed", logx.String("task", t.TaskID), logx.Err(err))
		}
	}
}
