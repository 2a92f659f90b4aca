package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/lock"
	"github.com/punchamoorthee/payswitch/internal/models"
	"github.com/punchamoorthee/payswitch/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence the engine needs.
type Store interface {
	store.Settlements
	ListSettleable(ctx context.Context, start, end time.Time) ([]*domain.Transaction, error)
}

// Engine forms settlement batches and reconciles them against bank reports.
type Engine struct {
	store  Store
	locker lock.Locker
	clock  clock.Clock
	cfg    config.SettlementConfig
	log    *zap.Logger
}

func NewEngine(st Store, locker lock.Locker, clk clock.Clock, cfg config.SettlementConfig, log *zap.Logger) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Engine{store: st, locker: locker, clock: clk, cfg: cfg, log: log.Named("settlement")}
}

// Form nets and closes the batch of the window containing at. Forming a
// window that is already closed returns the stored batch; an OPEN batch left
// by a crash is recomputed and closed.
func (e *Engine) Form(ctx context.Context, at time.Time) (*domain.SettlementBatch, error) {
	start, end := WindowOf(at, e.cfg.Window)
	if e.clock.Now().Before(end) {
		return nil, domain.ErrWindowOpen
	}
	id := BatchID(start, end)
	log := e.log.With(zap.String("batch_id", id))

	key := "settlement:" + id
	token, ok, err := e.locker.TryLock(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("settlement lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrSettlementBusy
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("release settlement lock", zap.Error(err))
		}
	}()

	b, err := e.store.GetBatch(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		b = &domain.SettlementBatch{
			ID:          id,
			WindowStart: start,
			WindowEnd:   end,
			Status:      domain.BatchOpen,
			CreatedAt:   e.clock.Now(),
		}
		if _, err := e.store.CreateBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("create batch: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load batch: %w", err)
	case b.Status != domain.BatchOpen:
		return b, nil
	default:
		log.Info("resuming open batch")
	}

	txns, err := e.store.ListSettleable(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list settleable: %w", err)
	}
	n, err := Net(txns)
	if err != nil {
		return nil, fmt.Errorf("net batch %s: %w", id, err)
	}
	now := e.clock.Now()
	b.TransactionIDs = n.TransactionIDs
	b.Nets = n.Nets
	b.Volume = n.Volume
	b.SwitchFees = n.SwitchFees
	b.BankFees = n.BankFees
	b.ClosedAt = &now
	b.Status = domain.BatchClosed

	ev, err := batchEvent(b, domain.EventSettlementClosed)
	if err != nil {
		return nil, err
	}
	if err := e.store.CloseBatch(ctx, b, ev); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return e.store.GetBatch(ctx, id)
		}
		return nil, fmt.Errorf("close batch: %w", err)
	}
	batchesClosed.Inc()
	batchVolume.Observe(float64(b.Volume))
	log.Info("settlement batch closed",
		zap.Int("transactions", len(b.TransactionIDs)),
		zap.Int("nets", len(b.Nets)),
		zap.Int64("volume", b.Volume),
		zap.Int64("switch_fees", b.SwitchFees),
	)

	if len(b.Participants()) == 0 {
		return e.finalize(ctx, b)
	}
	return b, nil
}

// RunDue forms the latest window whose grace period has passed, after first
// forming any earlier windows a missed run left behind. At most
// CatchUpWindows windows are considered; the latest batch is returned.
func (e *Engine) RunDue(ctx context.Context) (*domain.SettlementBatch, error) {
	latest, _ := LastDue(e.clock.Now(), e.cfg.Window, e.cfg.Grace)
	missed, err := e.missed(ctx, latest)
	if err != nil {
		return nil, err
	}
	if len(missed) > 0 {
		e.log.Info("settlement catching up", zap.Int("windows", len(missed)), zap.Time("from", missed[0]))
	}
	for _, start := range missed {
		_, err := e.Form(ctx, start)
		switch {
		case errors.Is(err, domain.ErrSettlementBusy):
			e.log.Debug("missed window held by another replica", zap.Time("window_start", start))
		case err != nil:
			return nil, err
		}
	}
	return e.Form(ctx, latest)
}

// missed lists, oldest first, the windows before latest that have no closed
// batch. The walk stops at the first window already past OPEN.
func (e *Engine) missed(ctx context.Context, latest time.Time) ([]time.Time, error) {
	var out []time.Time
	for i := 1; i < e.cfg.CatchUpWindows; i++ {
		start := latest.Add(-time.Duration(i) * e.cfg.Window)
		b, err := e.store.GetBatch(ctx, BatchID(start, start.Add(e.cfg.Window)))
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load batch: %w", err)
		case b.Status != domain.BatchOpen:
			slices.Reverse(out)
			return out, nil
		}
		out = append(out, start)
	}
	slices.Reverse(out)
	return out, nil
}

// SubmitReport records a bank's view of its nets. Once every participant has
// reported the batch is reconciled.
func (e *Engine) SubmitReport(ctx context.Context, batchID string, req models.SettlementReportRequest) (*domain.SettlementBatch, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	code := strings.ToUpper(strings.TrimSpace(req.BankCode))

	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchClosed {
		return nil, domain.ErrBatchNotClosed
	}
	participants := b.Participants()
	if !slices.Contains(participants, code) {
		return nil, domain.Validation("NOT_A_PARTICIPANT", fmt.Sprintf("bank %s has no positions in batch %s", code, batchID))
	}

	nets := make(map[string]int64, len(req.NetByCounterparty))
	for cp, amt := range req.NetByCounterparty {
		nets[strings.ToUpper(strings.TrimSpace(cp))] += amt
	}
	err = e.store.SaveReport(ctx, batchID, domain.BankReport{
		BankCode:          code,
		NetByCounterparty: nets,
		SubmittedAt:       e.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("settlement report received", zap.String("batch_id", batchID), zap.String("bank", code))

	b, err = e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchClosed || len(b.Reports) < len(participants) {
		return b, nil
	}
	return e.finalize(ctx, b)
}

// finalize compares reports with the computed nets. Mismatches are recorded
// and escalated, never corrected.
func (e *Engine) finalize(ctx context.Context, b *domain.SettlementBatch) (*domain.SettlementBatch, error) {
	tolerance := Tolerance(b.Volume, e.cfg.TolerancePPM)
	b.Mismatches = Reconcile(b, tolerance)
	now := e.clock.Now()
	b.ReconciledAt = &now

	evType := domain.EventSettlementReconciled
	b.Status = domain.BatchReconciled
	if len(b.Mismatches) > 0 {
		evType = domain.EventSettlementMismatched
		b.Status = domain.BatchMismatched
	}
	ev, err := batchEvent(b, evType)
	if err != nil {
		return nil, err
	}
	if err := e.store.FinalizeBatch(ctx, b, ev); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return e.store.GetBatch(ctx, b.ID)
		}
		return nil, fmt.Errorf("finalize batch: %w", err)
	}
	batchOutcomes.WithLabelValues(string(b.Status)).Inc()

	log := e.log.With(zap.String("batch_id", b.ID), zap.Int64("tolerance", tolerance))
	if b.Status == domain.BatchMismatched {
		log.Error("settlement mismatch, operator action required",
			zap.String("kind", string(domain.KindSettlementMismatch)),
			zap.Any("mismatches", b.Mismatches),
		)
		return b, nil
	}
	log.Info("settlement batch reconciled")
	return b, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*domain.SettlementBatch, error) {
	return e.store.GetBatch(ctx, id)
}

func batchEvent(b *domain.SettlementBatch, typ domain.EventType) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(domain.SettlementEvent{
		BatchID:     b.ID,
		Status:      b.Status,
		WindowStart: b.WindowStart,
		WindowEnd:   b.WindowEnd,
		Nets:        b.Nets,
		Volume:      b.Volume,
		SwitchFees:  b.SwitchFees,
		BankFees:    b.BankFees,
		Mismatches:  b.Mismatches,
	})
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode settlement event: %w", err)
	}
	at := b.CreatedAt
	switch {
	case b.ReconciledAt != nil:
		at = *b.ReconciledAt
	case b.ClosedAt != nil:
		at = *b.ClosedAt
	}
	return domain.OutboxEvent{
		ID:           uuid.NewString(),
		Type:         typ,
		Topic:        domain.TopicSettlements,
		PartitionKey: b.ID,
		Payload:      payload,
		CreatedAt:    at,
	}, nil
}
