package queue

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	logx "telecast/pkg/logx"
)

// Redis key layout, one pair per lane:
//
//	telecast:{<lane>}:delayed  ZSET  member = job envelope, score = fire time (unix ms)
//	telecast:{<lane>}:pending  LIST  job envelopes ready to run
//
// A mover loop promotes due members from delayed to pending; lane workers
// block-pop pending and route through the Mux.
func delayedKey(lane string) string { return "telecast:{" + lane + "}:delayed" }
func pendingKey(lane string) string { return "telecast:{" + lane + "}:pending" }

type RedisConfig struct {
	// AnalyticsWorkers is the worker count for the analytics lane.
	// The broadcast lane is fixed at one worker: dispatch and expire jobs
	// mutate task documents and must never overlap.
	AnalyticsWorkers int
	// AnalyticsRatePerSec throttles track-metrics handling (default 10/s)
	// so the stats source is not hammered.
	AnalyticsRatePerSec int
	// PollInterval is the delayed-to-pending promotion tick (default 1s).
	PollInterval time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.AnalyticsWorkers <= 0 {
		c.AnalyticsWorkers = 4
	}
	if c.AnalyticsRatePerSec <= 0 {
		c.AnalyticsRatePerSec = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Redis is the durable Scheduler backend.
type Redis struct {
	rdb redis.UniversalClient
	mux *Mux
	enc Encoder
	cfg RedisConfig
	log logx.Logger

	limiter *rate.Limiter

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRedis(rdb redis.UniversalClient, mux *Mux, cfg RedisConfig, log logx.Logger) *Redis {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{
		rdb:     rdb,
		mux:     mux,
		enc:     &JSONEncoder{},
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.AnalyticsRatePerSec), cfg.AnalyticsRatePerSec),
	}
}

// Ping probes backend availability. Used at startup to decide whether the
// chain runs durable-first or timer-only.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Schedule(ctx context.Context, kind Kind, payload any, delay time.Duration) error {
	data, err := r.enc.Encode(payload)
	if err != nil {
		return err
	}
	j := Job{ID: uuid.NewString(), Kind: kind, Payload: data, EnqueuedAt: time.Now().UnixMilli()}
	raw, err := r.enc.Encode(j)
	if err != nil {
		return err
	}

	lane := LaneFor(kind)
	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		return r.rdb.ZAdd(ctx, delayedKey(lane), redis.Z{Score: score, Member: raw}).Err()
	}
	return r.rdb.LPush(ctx, pendingKey(lane), raw).Err()
}

// Start launches the mover loop and the lane workers.
func (r *Redis) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.mover(ctx, stopCh)
	}()

	// Broadcast lane: exactly one worker (single-task mutual exclusion).
	workers := map[string]int{
		LaneBroadcast: 1,
		LaneAnalytics: r.cfg.AnalyticsWorkers,
	}
	total := 0
	for lane, n := range workers {
		for i := 0; i < n; i++ {
			lane := lane
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.worker(ctx, stopCh, lane)
			}()
			total++
		}
	}
	r.log.Info("redis scheduler started", logx.Int("workers", total), logx.Duration("poll", r.cfg.PollInterval))
}

// Stop signals workers and waits for them until ctx expires.
func (r *Redis) Stop(ctx context.Context) {
	r.mu.Lock()
	stopCh := r.stopCh
	r.stopCh = nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("redis scheduler stopped")
	case <-ctx.Done():
	}
}

// mover promotes due delayed jobs to their pending list.
func (r *Redis) mover(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			for _, lane := range []string{LaneBroadcast, LaneAnalytics} {
				r.promote(ctx, lane)
			}
		}
	}
}

func (r *Redis) promote(ctx context.Context, lane string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := r.rdb.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, raw := range due {
			p.LPush(ctx, pendingKey(lane), raw)
			p.ZRem(ctx, delayedKey(lane), raw)
		}
		return nil
	})
	if err != nil {
		r.log.Warn("delayed job promotion failed", logx.String("lane", lane), logx.Err(err))
	}
}

func (r *Redis) worker(ctx context.Context, stopCh <-chan struct{}, lane string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		res, err := r.rdb.BRPop(ctx, time.Second, pendingKey(lane)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("pending pop failed", logx.String("lane", lane), logx.Err(err))
			// Brief pause so a dead connection doesn't spin the worker.
			select {
			case <-time.After(500 * time.Millisecond):
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var j Job
		if err := r.enc.Decode([]byte(res[1]), &j); err != nil {
			r.log.Warn("undecodable job dropped", logx.String("lane", lane), logx.Err(err))
			continue
		}

		if lane == LaneAnalytics {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		r.exec(ctx, j)
	}
}

func (r *Redis) exec(ctx context.Context, j Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in queue job", logx.String("kind", string(j.Kind)), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := r.mux.Dispatch(ctx, j); err != nil {
		r.log.Warn("queue job failed", logx.String("kind", string(j.Kind)), logx.String("job", j.ID), logx.Err(err))
	}
}
