// Package analytics maintains engagement metrics for delivered messages.
//
// Metrics flow in two ways: a scheduled track-metrics job polls each channel
// message periodically for the duration of the tracking window, and Resync
// refreshes a whole task on demand. Both write into the delivery receipts
// embedded in the task document and never create or remove receipts.
package analytics

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"telecast/internal/domain"
	"telecast/internal/queue"
	"telecast/internal/store"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

const (
	// DefaultWindow bounds how long a message is polled after dispatch.
	DefaultWindow = 48 * time.Hour
	// DefaultRepollInterval is the gap between successive polls of one message.
	DefaultRepollInterval = 30 * time.Minute
)

type Config struct {
	Window         time.Duration
	RepollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RepollInterval <= 0 {
		c.RepollInterval = DefaultRepollInterval
	}
	return c
}

type Service struct {
	store store.Store
	stats transport.StatsClient
	sched queue.Scheduler
	enc   queue.Encoder
	cfg   Config
	log   logx.Logger
}

func New(st store.Store, stats transport.StatsClient, sched queue.Scheduler, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: st,
		stats: stats,
		sched: sched,
		enc:   &queue.JSONEncoder{},
		cfg:   cfg.withDefaults(),
		log:   log,
	}
}

// HandleTrack is the queue handler for track-metrics jobs. One firing polls
// one message once and re-arms itself while the tracking window is open.
//
// Tracking stops silently when the platform no longer knows the message or
// when the receipt has disappeared from the task (the task was undone).
func (s *Service) HandleTrack(ctx context.Context, payload []byte) error {
	var pl queue.TrackPayload
	if err := s.enc.Decode(payload, &pl); err != nil {
		return fmt.Errorf("decoding track payload: %w", err)
	}

	m, err := s.stats.MessageStats(ctx, pl.RecipientID, pl.MessageID)
	if err != nil {
		if errors.Is(err, transport.ErrStatsNotFound) {
			s.log.Debug("message gone, tracking stopped",
				logx.String("task", pl.TaskID), logx.String("recipient", pl.RecipientID))
			return nil
		}
		// Transient failure. Keep the slot alive and try again next interval.
		s.log.Warn("metrics poll failed",
			logx.String("task", pl.TaskID), logx.String("recipient", pl.RecipientID), logx.Err(err))
		s.rearm(ctx, pl)
		return nil
	}
	m.UpdatedAt = time.Now()

	found, err := s.store.UpdateReceiptMetrics(ctx, pl.TaskID, pl.RecipientID, pl.MessageID, m)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("updating metrics for task %s: %w", pl.TaskID, err)
	}
	if !found {
		return nil
	}

	s.rearm(ctx, pl)
	return nil
}

func (s *Service) rearm(ctx context.Context, pl queue.TrackPayload) {
	started := time.UnixMilli(pl.StartedTrackingAt)
	if time.Since(started) >= s.cfg.Window {
		s.log.Debug("tracking window closed",
			logx.String("task", pl.TaskID), logx.String("recipient", pl.RecipientID))
		return
	}
	if err := s.sched.Schedule(ctx, queue.KindTrackMetrics, pl, s.cfg.RepollInterval); err != nil {
		s.log.Warn("failed re-arming metrics tracking",
			logx.String("task", pl.TaskID), logx.String("recipient", pl.RecipientID), logx.Err(err))
	}
}

// Resync refreshes every trackable receipt of one task in a single pass and
// returns how many receipts got fresh numbers. Per-receipt fetch failures are
// skipped; the rest of the task still syncs.
func (s *Service) Resync(ctx context.Context, taskID string) (int, error) {
	t, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("loading task %s: %w", taskID, err)
	}

	updated := 0
	now := time.Now()
	for i := range t.SentMessages {
		r := &t.SentMessages[i]
		if !r.Trackable() {
			continue
		}
		m, err := s.stats.MessageStats(ctx, r.RecipientID, r.MessageID)
		if err != nil {
			s.log.Warn("resync fetch failed",
				logx.String("task", taskID), logx.String("recipient", r.RecipientID), logx.Err(err))
			continue
		}
		m.UpdatedAt = now
		r.Metrics = m
		updated++
	}

	if updated > 0 {
		if err := s.store.SaveTask(ctx, t); err != nil {
			return 0, fmt.Errorf("saving resynced task %s: %w", taskID, err)
		}
	}
	s.log.Info("task metrics resynced", logx.String("task", taskID), logx.Int("updated", updated))
	return updated, nil
}

// Summary aggregates one task's engagement counters.
type Summary struct {
	TaskID    string
	Name      string
	Status    domain.TaskStatus
	Delivered int
	Tracked   int
	Totals    domain.Metrics
}

func (s *Service) Summarize(ctx context.Context, taskID string) (Summary, error) {
	t, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		return Summary{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}

	sum := Summary{TaskID: t.TaskID, Name: t.Name, Status: t.Status, Delivered: len(t.SentMessages)}
	for _, r := range t.SentMessages {
		if !r.Trackable() {
			continue
		}
		sum.Tracked++
		sum.Totals.Views += r.Metrics.Views
		sum.Totals.Forwards += r.Metrics.Forwards
		sum.Totals.Replies += r.Metrics.Replies
		sum.Totals.Reactions += r.Metrics.Reactions
	}
	return sum, nil
}

// ExportCSV writes all tasks (most recent first, up to limit) as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, limit int) error {
	tasks, err := s.store.ListTasks(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing tasks for export: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(ExportRows(tasks)); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// ExportRows flattens tasks into per-receipt rows for CSV export. A task with
// no receipts still contributes one placeholder row so the export shows every
// task, delivered or not.
func ExportRows(tasks []*domain.Task) [][]string {
	rows := [][]string{{
		"taskId", "name", "status", "recipientId", "messageId",
		"views", "forwards", "replies", "reactions", "metricsUpdatedAt",
	}}
	for _, t := range tasks {
		if len(t.SentMessages) == 0 {
			rows = append(rows, []string{
				t.TaskID, t.Name, string(t.Status), "-", "-", "-", "-", "-", "-", "-",
			})
			continue
		}
		for _, r := range t.SentMessages {
			updated := ""
			if !r.Metrics.UpdatedAt.IsZero() {
				updated = r.Metrics.UpdatedAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{
				t.TaskID,
				t.Name,
				string(t.Status),
				r.RecipientID,
				strconv.Itoa(r.MessageID),
				strconv.Itoa(r.Metrics.Views),
				strconv.Itoa(r.Metrics.Forwards),
				strconv.Itoa(r.Metrics.Replies),
				strconv.Itoa(r.Metrics.Reactions),
				updated,
			})
		}
	}
	return rows
}
