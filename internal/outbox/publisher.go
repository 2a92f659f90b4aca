package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/lock"
	"github.com/punchamoorthee/payswitch/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const lockKey = "outbox-publisher"

var (
	published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_outbox_published_total",
			Help: "Outbox events acknowledged by the bus",
		},
		[]string{"topic"},
	)

	publishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_outbox_publish_failures_total",
			Help: "Failed outbox publish attempts",
		},
		[]string{"topic"},
	)

	publishLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switch_outbox_lag_seconds",
			Help:    "Delay between writing an event and the bus acknowledging it",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

// Publisher polls unpublished events and relays them. Events sharing a
// partition key are sent in order; a failure holds back the rest of that
// key until the next poll.
type Publisher struct {
	store  store.Outbox
	bus    Bus
	locker lock.Locker
	clock  clock.Clock
	cfg    config.OutboxConfig
	log    *zap.Logger
}

func NewPublisher(st store.Outbox, bus Bus, locker lock.Locker, clk clock.Clock, cfg config.OutboxConfig, log *zap.Logger) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Publisher{store: st, bus: bus, locker: locker, clock: clk, cfg: cfg, log: log.Named("outbox")}
}

// PublishOnce relays one batch and returns how many events were acknowledged.
// Only one replica publishes at a time.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	if p.locker != nil {
		token, ok, err := p.locker.TryLock(ctx, lockKey, p.cfg.LockTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := p.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				p.log.Warn("release publisher lock", zap.Error(err))
			}
		}()
	}

	events, err := p.store.PendingEvents(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var order []string
	groups := map[string][]domain.OutboxEvent{}
	for _, ev := range events {
		if _, ok := groups[ev.PartitionKey]; !ok {
			order = append(order, ev.PartitionKey)
		}
		groups[ev.PartitionKey] = append(groups[ev.PartitionKey], ev)
	}

	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for _, key := range order {
		evs := groups[key]
		g.Go(func() error {
			for _, ev := range evs {
				if !p.publish(ctx, ev) {
					return nil
				}
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load()), ctx.Err()
}

func (p *Publisher) publish(ctx context.Context, ev domain.OutboxEvent) bool {
	log := p.log.With(zap.String("event_id", ev.ID), zap.String("topic", ev.Topic), zap.String("key", ev.PartitionKey))
	if err := p.bus.Publish(ctx, FromEvent(ev)); err != nil {
		publishFailures.WithLabelValues(ev.Topic).Inc()
		log.Warn("publish failed", zap.Int("attempts", ev.PublishAttempts+1), zap.Error(err))
		if merr := p.store.MarkFailed(context.WithoutCancel(ctx), ev.ID, err.Error()); merr != nil {
			log.Error("record publish failure", zap.Error(merr))
		}
		return false
	}

	now := p.clock.Now()
	marked, err := p.store.MarkPublished(context.WithoutCancel(ctx), ev.ID, now)
	if err != nil {
		// The bus has it; a repeat send after restart is dropped by consumers.
		log.Error("mark published", zap.Error(err))
		return false
	}
	if !marked {
		log.Debug("event already marked published")
	}
	published.WithLabelValues(ev.Topic).Inc()
	publishLag.Observe(now.Sub(ev.CreatedAt).Seconds())
	return true
}

// Run polls until ctx is done. A full batch is followed immediately by
// another poll.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := p.PublishOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("outbox poll failed", zap.Error(err))
		}
		if n >= p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
