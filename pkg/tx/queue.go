package tx

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/internal/telemetry"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

type outbound struct {
	topic   string
	payload []byte
	event   keyevent.Type
}

// sendQueue batches outbound events behind a periodic flush tick. Order is
// preserved; on overflow the oldest event is dropped.
type sendQueue struct {
	sched sched.Scheduler
	pub   Publisher
	log   *zap.Logger
	cfg   *Config

	items []outbound
	timer sched.Handle
}

func (q *sendQueue) push(m outbound) {
	q.items = append(q.items, m)
	if over := len(q.items) - q.cfg.QueueCap; over > 0 {
		q.items = q.items[over:]
		telemetry.SendDropped.Add(float64(over))
		q.log.Debug("send queue overflow", zap.Int("dropped", over))
	}
	telemetry.QueueDepth.Set(float64(len(q.items)))
	if q.timer == 0 {
		q.timer = q.sched.Schedule(q.cfg.FlushInterval, q.tick)
	}
}

func (q *sendQueue) tick() {
	q.timer = 0
	q.flush(q.cfg.FlushBatch)
	if len(q.items) > 0 {
		q.timer = q.sched.Schedule(q.cfg.FlushInterval, q.tick)
	}
}

// flush publishes up to budget events; budget <= 0 drains everything.
func (q *sendQueue) flush(budget int) {
	n := len(q.items)
	if budget > 0 && budget < n {
		n = budget
	}
	for _, m := range q.items[:n] {
		if q.pub == nil {
			telemetry.SendDropped.Inc()
			continue
		}
		if err := q.pub.Publish(context.Background(), m.topic, m.payload); err != nil {
			telemetry.SendDropped.Inc()
			q.log.Debug("publish failed", zap.String("topic", m.topic), zap.Error(err))
			continue
		}
		telemetry.EventsSent.WithLabelValues(string(m.event)).Inc()
	}
	q.items = append(q.items[:0], q.items[n:]...)
	telemetry.QueueDepth.Set(float64(len(q.items)))
}

func (q *sendQueue) len() int { return len(q.items) }

func (q *sendQueue) stop() {
	q.sched.Cancel(q.timer)
	q.timer = 0
}
