package queue

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "telecast/pkg/logx"
)

// Timer is the in-process fallback backend. It reproduces the durable
// backend's semantics on a single node: immediate execution when the
// computed delay is <= 0, otherwise a single deferred firing; broadcast-lane
// jobs never overlap.
//
// Armed jobs do not survive a restart. The expiry poller exists to catch
// what this backend loses.
type Timer struct {
	mux *Mux
	enc Encoder
	log logx.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	lanes map[string]*sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewTimer(mux *Mux, log logx.Logger) *Timer {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Timer{
		mux:    mux,
		enc:    &JSONEncoder{},
		log:    log,
		timers: map[string]*time.Timer{},
		lanes: map[string]*sync.Mutex{
			LaneBroadcast: {},
			LaneAnalytics: {},
		},
		runCtx:    ctx,
		runCancel: cancel,
	}
}

func (t *Timer) Schedule(ctx context.Context, kind Kind, payload any, delay time.Duration) error {
	data, err := t.enc.Encode(payload)
	if err != nil {
		return err
	}
	j := Job{ID: uuid.NewString(), Kind: kind, Payload: data, EnqueuedAt: time.Now().UnixMilli()}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return context.Canceled
	}
	if delay <= 0 {
		t.wg.Add(1)
		t.mu.Unlock()
		go t.fire(j)
		return nil
	}
	t.timers[j.ID] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, j.ID)
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()
		t.fire(j)
	})
	t.mu.Unlock()

	t.log.Debug("timer job armed", logx.String("kind", string(kind)), logx.Duration("delay", delay))
	return nil
}

func (t *Timer) fire(j Job) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("panic in timer job", logx.String("kind", string(j.Kind)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	lane := t.lanes[LaneFor(j.Kind)]
	lane.Lock()
	defer lane.Unlock()

	if err := t.mux.Dispatch(t.runCtx, j); err != nil {
		t.log.Warn("timer job failed", logx.String("kind", string(j.Kind)), logx.Err(err))
	}
}

// Stop cancels pending timers and waits for in-flight jobs until ctx expires.
func (t *Timer) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	t.runCancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
