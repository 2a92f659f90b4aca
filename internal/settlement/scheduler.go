package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedule runs RunDue on the configured cron schedule until ctx is done. The
// returned channel closes once the last run has finished.
func (e *Engine) Schedule(ctx context.Context) (<-chan struct{}, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(e.cfg.Schedule, func() {
		b, err := e.RunDue(ctx)
		switch {
		case errors.Is(err, domain.ErrSettlementBusy):
			e.log.Debug("settlement run skipped, another replica holds the window")
		case err != nil:
			e.log.Error("scheduled settlement failed", zap.Error(err))
		default:
			e.log.Debug("scheduled settlement done", zap.String("batch_id", b.ID), zap.String("status", string(b.Status)))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()
	return done, nil
}
