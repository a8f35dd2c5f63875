// Package dispatch fans one task's content out to its resolved recipients.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"telecast/internal/domain"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

// DefaultSendInterval is the mandatory inter-send delay. It is a deliberate
// throttle against Telegram's flood limits; shrinking it materially raises
// the ban risk for the sending bot.
const DefaultSendInterval = 2 * time.Second

// Result aggregates per-recipient outcomes of one fan-out.
type Result struct {
	Success  int
	Failed   int
	Errors   []string
	Receipts []domain.DeliveryReceipt
}

type Dispatcher struct {
	sender  transport.Sender
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a dispatcher throttled to one send per interval.
// interval <= 0 applies DefaultSendInterval.
func New(sender transport.Sender, interval time.Duration, log logx.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     log,
	}
}

// Dispatch sends to each recipient in order, one in-flight send at a time.
// A single recipient's failure never aborts the batch; it is recorded and the
// loop moves on. Receipts appear in iteration order, one per successful send.
// Individual failures are aggregated, not retried; task-level reprocessing is
// the caller's business.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []string, typ domain.TaskType, content domain.Content, kinds map[string]domain.Entity) (*Result, error) {
	res := &Result{}
	start := time.Now()
	d.log.Info("fan-out started", logx.Int("recipients", len(recipients)), logx.String("type", string(typ)))

	for _, id := range recipients {
		if err := d.limiter.Wait(ctx); err != nil {
			return res, err
		}

		ref, err := d.sender.Send(ctx, id, typ, content)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("Failed to send to %s: %s", id, err.Error()))
			d.log.Warn("send failed", logx.String("recipient", id), logx.Err(err))
			continue
		}

		receipt := domain.DeliveryReceipt{
			RecipientID: id,
			MessageID:   ref.MessageID,
		}
		if e, ok := kinds[id]; ok {
			receipt.RecipientKind = e.Kind
		}
		res.Receipts = append(res.Receipts, receipt)
		res.Success++
	}

	fields := []logx.Field{
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if res.Failed > 0 {
		d.log.Warn("fan-out finished with failures", fields...)
	} else {
		d.log.Info("fan-out finished", fields...)
	}
	return res, nil
}
