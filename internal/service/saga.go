package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/punchamoorthee/payswitch/internal/bank"
	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/health"
	"github.com/punchamoorthee/payswitch/internal/logger"
	"github.com/punchamoorthee/payswitch/internal/routing"
	"github.com/punchamoorthee/payswitch/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// errParked stops a run without a transition: the outcome of a bank call is
// unknown and the recovery sweep will resolve it once the lease expires.
var errParked = errors.New("saga parked until recovery")

// Snapshotter provides the health view routing decides on.
type Snapshotter interface {
	Snapshot() health.Snapshot
}

// ReversalToken is the bank idempotency token of a compensating credit.
func ReversalToken(dedupeKey string) string { return "REV-" + dedupeKey }

// Saga drives transactions through the debit, credit and reversal steps.
// Every transition is persisted before the bank call it announces, and only
// the holder of the current version may write, so two drivers of the same
// transaction cannot both act.
type Saga struct {
	store    store.Transactions
	banks    bank.Client
	health   Snapshotter
	router   *routing.Engine
	ids      *IDs
	clock    clock.Clock
	cfg      config.SagaConfig
	log      *zap.Logger
	notifier *notifier
}

func NewSaga(st store.Transactions, banks bank.Client, snap Snapshotter, router *routing.Engine, ids *IDs, clk clock.Clock, cfg config.SagaConfig, log *zap.Logger) *Saga {
	return &Saga{
		store:    st,
		banks:    banks,
		health:   snap,
		router:   router,
		ids:      ids,
		clock:    clk,
		cfg:      cfg,
		log:      log,
		notifier: newNotifier(),
	}
}

// run is the bookkeeping of one Drive call.
type run struct {
	started  time.Time
	bankTime time.Duration
}

// Drive advances t until it is terminal, another driver takes it over, or a
// bank outcome is unknown. It returns the last state this driver observed.
func (s *Saga) Drive(ctx context.Context, t *domain.Transaction) *domain.Transaction {
	ctx = logger.ContextWithTransaction(ctx, t.ID)
	ctx, span := otel.Tracer("payswitch/saga").Start(ctx, "saga.drive")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", t.ID), attribute.String("saga.resumed_from", string(t.State)))
	defer s.notifier.notify(t.ID)

	log := logger.WithContext(ctx, s.log)
	r := &run{started: time.Now()}
	for !t.State.Terminal() {
		next, err := s.step(ctx, r, t)
		if err != nil {
			switch {
			case errors.Is(err, errParked):
				log.Warn("bank outcome unknown, leaving for recovery", zap.String("state", string(next.State)))
			case errors.Is(err, domain.ErrVersionConflict):
				ownershipLost.Inc()
				log.Info("transaction taken over by another driver", zap.String("state", string(t.State)))
			case ctx.Err() != nil:
				log.Info("saga interrupted", zap.String("state", string(next.State)), zap.Error(ctx.Err()))
			default:
				log.Error("saga step failed", zap.String("state", string(next.State)), zap.Error(err))
			}
			return next
		}
		t = next
	}
	switchOverhead.Observe((time.Since(r.started) - r.bankTime).Seconds())
	span.SetAttributes(attribute.String("saga.final_state", string(t.State)))
	return t
}

func (s *Saga) step(ctx context.Context, r *run, t *domain.Transaction) (*domain.Transaction, error) {
	switch t.State {
	case domain.StatePending:
		return s.route(ctx, t)
	case domain.StateRouted:
		next, err := s.advance(ctx, t, domain.StateDebitInFlight, nil, "debit sent")
		if err != nil {
			return t, err
		}
		return s.debit(ctx, r, next)
	case domain.StateDebitInFlight:
		// Resumed: the debit may or may not have reached the bank.
		return s.resolveDebit(ctx, r, t)
	case domain.StateDebitFailed:
		return s.advance(ctx, t, domain.StateFailed, nil, "debit failed")
	case domain.StateDebited:
		next, err := s.advance(ctx, t, domain.StateCreditInFlight, nil, "credit sent")
		if err != nil {
			return t, err
		}
		return s.credit(ctx, r, next)
	case domain.StateCreditInFlight:
		return s.resumeCredit(ctx, r, t)
	case domain.StateCreditFailed:
		return s.advance(ctx, t, domain.StateReversing, nil, "compensating debit")
	case domain.StateReversing:
		return s.reverse(ctx, r, t)
	}
	return t, fmt.Errorf("no step for state %s", t.State)
}

func (s *Saga) route(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
	d, err := s.router.Route(s.health.Snapshot(), routing.Request{
		PayerBank: t.PayerBank,
		PayeeBank: t.PayeeBank,
		Type:      t.Type,
		MCC:       t.MCC,
		Amount:    t.Amount,
	})
	if err != nil {
		return s.advance(ctx, t, domain.StateFailed, func(n *domain.Transaction) {
			n.ErrorCode = domain.CodeNoHealthyRoute
		}, err.Error())
	}
	reason := "direct"
	if d.Sponsored {
		reason = "sponsored by " + d.CreditBank
	}
	return s.advance(ctx, t, domain.StateRouted, func(n *domain.Transaction) {
		n.CreditBank = d.CreditBank
	}, reason)
}

func (s *Saga) debit(ctx context.Context, r *run, t *domain.Transaction) (*domain.Transaction, error) {
	res, err := s.execute(ctx, r, s.cfg.DebitTimeout, bank.Instruction{
		Bank:          t.PayerBank,
		Op:            bank.OpDebit,
		Token:         t.DedupeKey,
		TransactionID: t.ID,
		RRN:           t.RRN,
		VPA:           t.PayerVPA,
		Counterparty:  t.PayeeVPA,
		Amount:        t.Amount,
		Currency:      t.Currency,
	})
	switch {
	case err == nil && res.Approved:
		return s.debited(ctx, t, res.Reference)
	case err == nil:
		return s.advance(ctx, t, domain.StateDebitFailed, func(n *domain.Transaction) {
			n.ErrorCode = domain.CodeDebitDeclined
		}, res.Reason)
	case errors.Is(err, health.ErrCircuitOpen):
		// Never sent.
		return s.advance(ctx, t, domain.StateDebitFailed, func(n *domain.Transaction) {
			n.ErrorCode = domain.CodeNoHealthyRoute
		}, err.Error())
	case ctx.Err() != nil:
		return t, ctx.Err()
	}
	return s.resolveDebit(ctx, r, t)
}

func (s *Saga) resolveDebit(ctx context.Context, r *run, t *domain.Transaction) (*domain.Transaction, error) {
	st, err := s.probe(ctx, r, t.PayerBank, bank.OpDebit, t.DedupeKey)
	if err != nil {
		return t, err
	}
	if st.Status == bank.StatusApplied {
		return s.debited(ctx, t, st.Reference)
	}
	return s.advance(ctx, t, domain.StateTimeout, func(n *domain.Transaction) {
		n.ErrorCode = domain.CodeDebitTimeout
	}, "debit not applied")
}

func (s *Saga) debited(ctx context.Context, t *domain.Transaction, ref string) (*domain.Transaction, error) {
	return s.advance(ctx, t, domain.StateDebited, func(n *domain.Transaction) {
		now := s.clock.Now()
		n.DebitRef = ref
		n.DebitedAt = &now
	}, "debit approved")
}

func (s *Saga) resumeCredit(ctx context.Context, r *run, t *domain.Transaction) (*domain.Transaction, error) {
	if t.RetryCount > 0 {
		st, err := s.probe(ctx, r, t.CreditBank, bank.OpCredit, t.DedupeKey)
		if err != nil {
			return t, err
		}
		if st.Status == bank.StatusApplied {
			return s.credited(ctx, t, st.Reference)
		}
	}
	return s.credit(ctx, r, t)
}

// credit sends the credit leg up to MaxCreditAttempts times. Each attempt is
// counted in the store before it is sent.
func (s *Saga) credit(ctx context.Context, r *run, t *domain.Transaction) (*domain.Transaction, error) {
	for t.RetryCount < s.cfg.MaxCreditAttempts {
		next, err := s.touch(ctx, t, func(n *domain.Transaction) { n.RetryCount++ })
		if err != nil {
			return t, err
		}
		t = next

		res, err := s.execute(ctx, r, s.cfg.CreditTimeout, bank.Instruction{
			Bank:          t.CreditBank,
			Op:            bank.OpCredit,
			Token:         t.DedupeKey,
			TransactionID: t.ID,
			RRN:           t.RRN,
			VPA:           t.PayeeVPA,
			Counterparty:  t.PayerVPA,
			Amount:        t.Amount,
			Currency:      t.Currency,
			Reference:     t.DebitRef,
		})
		switch {
		case err == nil && res.Approved:
			return s.credited(ctx, t, res.Reference)
		case err == nil:
			return s.advance(ctx, t, domain.StateCreditFailed, func(n *domain.Transaction) {
				n.ErrorCode = domain.CodeCreditDeclined
			}, res.Reason)
		case errors.Is(err, health.ErrCircuitOpen):
			continue
		case ctx.Err() != nil:
			return t, ctx.Err()
		}

		st, err := s.probe(ctx, r, t.CreditBank, bank.OpCredit, t.DedupeKey)
		if err != nil {
			return t, err
		}
		if st.Status == bank.StatusApplied {
			return s.credited(ctx, t, st.Reference)
		}
		logger.WithContext(ctx, s.log).Warn("credit attempt failed",
			zap.Int("attempt", t.RetryCount), zap.String("bank", t.CreditBank))
	}
	return s.advance(ctx, t, domain.StateCreditFailed, func(n *domain.Transaction) {
		n.ErrorCode = domain.CodeCreditExhausted
	}, fmt.Sprintf("%d credit attempts failed", t.RetryCount))
}

func (s *Saga) credited(ctx context.Context, t *domain.Transaction, ref string) (*domain.Transaction, error) {
	return s.advance(ctx, t, domain.StateSuccess, func(n *domain.Transaction) {
		now := s.clock.Now()
		n.CreditRef = ref
		n.CreditedAt = &now
		n.ErrorCode = ""
	}, "credit approved")
}

// reverse returns the debited amount to the payer. It never gives up: every
// ReversalAlertAfter failed attempts it raises an operator alert and keeps
// going. The attempt count lives on the transaction so a driver that takes
// over keeps the alert cadence.
func (s *Saga) reverse(ctx context.Context, r *run, t *domain.Transaction) (*domain.Transaction, error) {
	log := logger.WithContext(ctx, s.log)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReversalBackoff
	b.MaxInterval = s.cfg.ReversalBackoffMax
	b.RandomizationFactor = config.ReversalJitter
	b.Reset()

	token := ReversalToken(t.DedupeKey)
	for {
		res, err := s.execute(ctx, r, s.cfg.ReversalTimeout, bank.Instruction{
			Bank:          t.PayerBank,
			Op:            bank.OpReversal,
			Token:         token,
			TransactionID: t.ID,
			RRN:           t.RRN,
			VPA:           t.PayerVPA,
			Amount:        t.Amount,
			Currency:      t.Currency,
			Reference:     t.DebitRef,
		})
		if err == nil && res.Approved {
			return s.reversed(ctx, t, res.Reference)
		}
		if err != nil && !errors.Is(err, health.ErrCircuitOpen) && ctx.Err() == nil {
			if st, perr := s.probe(ctx, r, t.PayerBank, bank.OpReversal, token); perr == nil && st.Status == bank.StatusApplied {
				return s.reversed(ctx, t, st.Reference)
			}
		}

		attempt := t.ReversalAttempts + 1
		reason := res.Reason
		if err != nil {
			reason = err.Error()
		}
		if s.cfg.ReversalAlertAfter > 0 && attempt%s.cfg.ReversalAlertAfter == 0 {
			reversalAlerts.Inc()
			log.Error("reversal still failing, operator attention required",
				zap.Int("attempts", attempt),
				zap.String("bank", t.PayerBank),
				zap.Int64("amount", t.Amount),
				zap.String("reason", reason),
			)
		} else {
			log.Warn("reversal attempt failed", zap.Int("attempt", attempt), zap.String("reason", reason))
		}

		// Renew the lease so recovery leaves this driver alone.
		next, err := s.touch(ctx, t, func(n *domain.Transaction) {
			n.ErrorCode = domain.CodeReversalPending
			n.ReversalAttempts = attempt
		})
		if err != nil {
			return t, err
		}
		t = next

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return t, ctx.Err()
		}
	}
}

func (s *Saga) reversed(ctx context.Context, t *domain.Transaction, ref string) (*domain.Transaction, error) {
	return s.advance(ctx, t, domain.StateReversed, func(n *domain.Transaction) {
		n.ReversalRef = ref
	}, "reversal approved")
}

func (s *Saga) execute(ctx context.Context, r *run, timeout time.Duration, in bank.Instruction) (bank.Result, error) {
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	res, err := s.banks.Execute(callCtx, in)
	r.bankTime += time.Since(start)
	return res, err
}

// probe asks a bank whether token applied. Unknown answers park the saga.
func (s *Saga) probe(ctx context.Context, r *run, code string, op bank.Op, token string) (bank.StatusResult, error) {
	callCtx, cancel := withTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	st, err := s.banks.Status(callCtx, code, op, token)
	r.bankTime += time.Since(start)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("status probe failed",
			zap.String("bank", code), zap.String("op", string(op)), zap.Error(err))
		return st, errParked
	}
	if st.Status != bank.StatusApplied && st.Status != bank.StatusNotApplied {
		return st, errParked
	}
	return st, nil
}

// advance persists t -> to together with its history row and, for terminal
// states, the outbox event.
func (s *Saga) advance(ctx context.Context, t *domain.Transaction, to domain.State, mutate func(*domain.Transaction), reason string) (*domain.Transaction, error) {
	now := s.clock.Now()
	next := s.nextVersion(t, now)
	next.State = to
	if mutate != nil {
		mutate(next)
	}

	u := store.TransactionUpdate{
		Txn:             next,
		ExpectedVersion: t.Version,
		Transition: &domain.Transition{
			TransactionID: t.ID,
			From:          t.State,
			To:            to,
			Version:       next.Version,
			Reason:        reason,
			At:            now,
		},
	}
	if to.Terminal() {
		next.TerminalAt = &now
		ev, err := s.terminalEvent(next)
		if err != nil {
			return t, err
		}
		u.Event = &ev
	}
	if err := s.write(ctx, u); err != nil {
		return t, err
	}

	sagaTransitions.WithLabelValues(string(t.State), string(to)).Inc()
	log := logger.WithContext(ctx, s.log)
	if to.Terminal() {
		terminalOutcomes.WithLabelValues(string(to)).Inc()
		log.Info("transaction finished",
			zap.String("state", string(to)),
			zap.String("error_code", next.ErrorCode),
			zap.String("rrn", next.RRN),
		)
	} else {
		log.Debug("transition", zap.String("from", string(t.State)), zap.String("to", string(to)))
	}
	return next, nil
}

// touch persists bookkeeping without a state change and renews the lease.
func (s *Saga) touch(ctx context.Context, t *domain.Transaction, mutate func(*domain.Transaction)) (*domain.Transaction, error) {
	next := s.nextVersion(t, s.clock.Now())
	if mutate != nil {
		mutate(next)
	}
	if err := s.write(ctx, store.TransactionUpdate{Txn: next, ExpectedVersion: t.Version}); err != nil {
		return t, err
	}
	return next, nil
}

func (s *Saga) nextVersion(t *domain.Transaction, now time.Time) *domain.Transaction {
	next := t.Clone()
	next.Version = t.Version + 1
	next.UpdatedAt = now
	next.LeaseUntil = now.Add(s.cfg.Lease)
	return next
}

func (s *Saga) write(ctx context.Context, u store.TransactionUpdate) error {
	ctx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.UpdateTransaction(ctx, u)
}

func (s *Saga) terminalEvent(t *domain.Transaction) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(domain.TransactionEvent{
		TransactionID: t.ID,
		RRN:           t.RRN,
		State:         t.State,
		PayerVPA:      t.PayerVPA,
		PayeeVPA:      t.PayeeVPA,
		PayerBank:     t.PayerBank,
		CreditBank:    t.CreditBank,
		Amount:        t.Amount,
		Currency:      t.Currency,
		SwitchFee:     t.SwitchFee,
		BankFee:       t.BankFee,
		ErrorCode:     t.ErrorCode,
		TerminalAt:    *t.TerminalAt,
	})
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode terminal event: %w", err)
	}
	return domain.OutboxEvent{
		ID:           s.ids.EventID(),
		Type:         domain.EventTransactionTerminal,
		Topic:        domain.TopicTransactions,
		PartitionKey: t.ID,
		Payload:      payload,
		CreatedAt:    *t.TerminalAt,
	}, nil
}

// withTimeout treats a zero duration as no deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
