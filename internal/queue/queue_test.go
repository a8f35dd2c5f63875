package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	logx "telecast/pkg/logx"
)

func waitFired(t *testing.T, ch <-chan []byte, within time.Duration) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(within):
		t.Fatal("job did not fire in time")
		return nil
	}
}

func TestTimerImmediate(t *testing.T) {
	mux := NewMux()
	fired := make(chan []byte, 1)
	mux.Handle(KindDispatch, func(ctx context.Context, payload []byte) error {
		fired <- payload
		return nil
	})

	tm := NewTimer(mux, logx.Nop())
	defer tm.Stop(context.Background())

	err := tm.Schedule(context.Background(), KindDispatch, DispatchPayload{TaskID: "t1"}, 0)
	require.NoError(t, err)

	var p DispatchPayload
	require.NoError(t, (&JSONEncoder{}).Decode(waitFired(t, fired, 2*time.Second), &p))
	require.Equal(t, "t1", p.TaskID)
}

func TestTimerDelayed(t *testing.T) {
	mux := NewMux()
	fired := make(chan []byte, 1)
	mux.Handle(KindExpire, func(ctx context.Context, payload []byte) error {
		fired <- payload
		return nil
	})

	tm := NewTimer(mux, logx.Nop())
	defer tm.Stop(context.Background())

	start := time.Now()
	require.NoError(t, tm.Schedule(context.Background(), KindExpire, ExpirePayload{TaskID: "t2"}, 30*time.Millisecond))

	waitFired(t, fired, 2*time.Second)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTimerStopCancelsArmedJobs(t *testing.T) {
	mux := NewMux()
	var fired atomic.Int32
	mux.Handle(KindDispatch, func(ctx context.Context, payload []byte) error {
		fired.Add(1)
		return nil
	})

	tm := NewTimer(mux, logx.Nop())
	require.NoError(t, tm.Schedule(context.Background(), KindDispatch, DispatchPayload{TaskID: "t3"}, 50*time.Millisecond))
	tm.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fired.Load())

	err := tm.Schedule(context.Background(), KindDispatch, DispatchPayload{TaskID: "t4"}, 0)
	require.Error(t, err)
}

func TestTimerBroadcastJobsDoNotOverlap(t *testing.T) {
	mux := NewMux()
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	done := make(chan struct{}, 2)
	mux.Handle(KindDispatch, func(ctx context.Context, payload []byte) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		done <- struct{}{}
		return nil
	})

	tm := NewTimer(mux, logx.Nop())
	defer tm.Stop(context.Background())

	require.NoError(t, tm.Schedule(context.Background(), KindDispatch, DispatchPayload{TaskID: "a"}, 0))
	require.NoError(t, tm.Schedule(context.Background(), KindDispatch, DispatchPayload{TaskID: "b"}, 0))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}
	require.False(t, overlapped.Load())
}

func newTestRedis(t *testing.T, mux *Mux, cfg RedisConfig) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, mux, cfg, logx.Nop()), mr
}

func TestRedisImmediateJob(t *testing.T) {
	mux := NewMux()
	fired := make(chan []byte, 1)
	mux.Handle(KindDispatch, func(ctx context.Context, payload []byte) error {
		fired <- payload
		return nil
	})

	r, _ := newTestRedis(t, mux, RedisConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, r.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop(context.Background())

	require.NoError(t, r.Schedule(ctx, KindDispatch, DispatchPayload{TaskID: "r1"}, 0))

	var p DispatchPayload
	require.NoError(t, (&JSONEncoder{}).Decode(waitFired(t, fired, 5*time.Second), &p))
	require.Equal(t, "r1", p.TaskID)
}

func TestRedisDelayedJobPromoted(t *testing.T) {
	mux := NewMux()
	fired := make(chan []byte, 1)
	mux.Handle(KindTrackMetrics, func(ctx context.Context, payload []byte) error {
		fired <- payload
		return nil
	})

	r, mr := newTestRedis(t, mux, RedisConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Schedule(ctx, KindTrackMetrics, TrackPayload{TaskID: "r2", MessageID: 7}, 40*time.Millisecond))
	// Armed, not yet runnable.
	require.Equal(t, 1, len(mr.Keys()))

	r.Start(ctx)
	defer r.Stop(context.Background())

	var p TrackPayload
	require.NoError(t, (&JSONEncoder{}).Decode(waitFired(t, fired, 5*time.Second), &p))
	require.Equal(t, "r2", p.TaskID)
	require.Equal(t, 7, p.MessageID)
}

func TestRedisLanesAreSeparate(t *testing.T) {
	mux := NewMux()
	r, mr := newTestRedis(t, mux, RedisConfig{})

	ctx := context.Background()
	require.NoError(t, r.Schedule(ctx, KindDispatch, DispatchPayload{TaskID: "x"}, 0))
	require.NoError(t, r.Schedule(ctx, KindTrackMetrics, TrackPayload{TaskID: "x"}, 0))

	broadcast, err := mr.List(pendingKey(LaneBroadcast))
	require.NoError(t, err)
	require.Len(t, broadcast, 1)

	analytics, err := mr.List(pendingKey(LaneAnalytics))
	require.NoError(t, err)
	require.Len(t, analytics, 1)
}

type failingScheduler struct{ calls atomic.Int32 }

func (f *failingScheduler) Schedule(ctx context.Context, kind Kind, payload any, delay time.Duration) error {
	f.calls.Add(1)
	return errors.New("backend unavailable")
}

func TestChainFallsBackWhenPrimaryFails(t *testing.T) {
	mux := NewMux()
	fired := make(chan []byte, 1)
	mux.Handle(KindDispatch, func(ctx context.Context, payload []byte) error {
		fired <- payload
		return nil
	})

	primary := &failingScheduler{}
	tm := NewTimer(mux, logx.Nop())
	defer tm.Stop(context.Background())

	ch := NewChain(primary, tm, logx.Nop())
	require.NoError(t, ch.Schedule(context.Background(), KindDispatch, DispatchPayload{TaskID: "c1"}, 0))

	var p DispatchPayload
	require.NoError(t, (&JSONEncoder{}).Decode(waitFired(t, fired, 2*time.Second), &p))
	require.Equal(t, "c1", p.TaskID)
	require.Equal(t, int32(1), primary.calls.Load())
}

func TestChainWithoutPrimaryUsesFallback(t *testing.T) {
	mux := NewMux()
	fired := make(chan []byte, 1)
	mux.Handle(KindExpire, func(ctx context.Context, payload []byte) error {
		fired <- payload
		return nil
	})

	tm := NewTimer(mux, logx.Nop())
	defer tm.Stop(context.Background())

	ch := NewChain(nil, tm, logx.Nop())
	require.NoError(t, ch.Schedule(context.Background(), KindExpire, ExpirePayload{TaskID: "c2"}, 0))
	waitFired(t, fired, 2*time.Second)
}

func TestMuxUnknownKind(t *testing.T) {
	mux := NewMux()
	err := mux.Dispatch(context.Background(), Job{ID: "j", Kind: Kind("bogus")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")
}
