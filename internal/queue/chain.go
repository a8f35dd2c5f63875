package queue

import (
	"context"
	"time"

	logx "telecast/pkg/logx"
)

// Chain is the Scheduler handed to the rest of the app. It tries the primary
// (durable) backend first and falls back to the secondary when arming fails,
// so a job is armed somewhere as long as either backend is alive.
type Chain struct {
	primary  Scheduler
	fallback Scheduler
	log      logx.Logger
}

// NewChain builds a two-level scheduler. primary may be nil, in which case
// every job goes straight to the fallback.
func NewChain(primary, fallback Scheduler, log logx.Logger) *Chain {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chain{primary: primary, fallback: fallback, log: log}
}

func (c *Chain) Schedule(ctx context.Context, kind Kind, payload any, delay time.Duration) error {
	if c.primary != nil {
		err := c.primary.Schedule(ctx, kind, payload, delay)
		if err == nil {
			return nil
		}
		c.log.Warn("durable scheduling failed, falling back to in-process timer",
			logx.String("kind", string(kind)), logx.Duration("delay", delay), logx.Err(err))
	}
	return c.fallback.Schedule(ctx, kind, payload, delay)
}
