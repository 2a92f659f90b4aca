package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/logger"
	"github.com/punchamoorthee/payswitch/internal/models"
	"github.com/punchamoorthee/payswitch/internal/store"
	"github.com/punchamoorthee/payswitch/internal/verifier"
	"go.uber.org/zap"
)

const awaitPoll = 50 * time.Millisecond

// VPAResolver maps a VPA to the code of the bank holding it.
type VPAResolver interface {
	Resolve(ctx context.Context, vpa string) (string, error)
}

// BankLookup returns a registered bank, used for signature keys.
type BankLookup interface {
	Bank(code string) (domain.Bank, bool)
}

// PaymentDeps wires a PaymentService.
type PaymentDeps struct {
	Store    store.Transactions
	Saga     *Saga
	Banks    BankLookup
	Resolver VPAResolver
	Dedupe   verifier.DedupeCache
	IDs      *IDs
	Clock    clock.Clock
	Config   config.SagaConfig
	Fees     config.FeeConfig
	Log      *zap.Logger
}

// PaymentService accepts signed payment requests, deduplicates them and
// hands new transactions to the saga. Sagas run detached from the request so
// a client disconnect never abandons a debit.
type PaymentService struct {
	store    store.Transactions
	saga     *Saga
	banks    BankLookup
	resolver VPAResolver
	dedupe   verifier.DedupeCache
	ids      *IDs
	clock    clock.Clock
	cfg      config.SagaConfig
	fees     config.FeeConfig
	log      *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPaymentService(d PaymentDeps) *PaymentService {
	base, cancel := context.WithCancel(context.Background())
	return &PaymentService{
		store:    d.Store,
		saga:     d.Saga,
		banks:    d.Banks,
		resolver: d.Resolver,
		dedupe:   d.Dedupe,
		ids:      d.IDs,
		clock:    d.Clock,
		cfg:      d.Config,
		fees:     d.Fees,
		log:      d.Log.Named("payments"),
		base:     base,
		cancel:   cancel,
	}
}

// Submit runs a payment request. It returns the transaction in a terminal
// state, or still in flight if the saga outlasts the wait budget.
func (s *PaymentService) Submit(ctx context.Context, req models.PaymentRequest) (*domain.Transaction, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	payerVPA := verifier.NormalizeVPA(req.PayerVPA)
	payeeVPA := verifier.NormalizeVPA(req.PayeeVPA)

	payerBank, payeeBank, err := s.resolve(ctx, payerVPA, payeeVPA)
	if err != nil {
		return nil, err
	}
	b, ok := s.banks.Bank(payerBank)
	if !ok {
		return nil, domain.ErrUnknownBank
	}
	v, err := verifier.Verify(req, b.PublicKey)
	if err != nil {
		return nil, err
	}

	if existing := s.cached(ctx, payerVPA, req.DedupeKey); existing != nil {
		return s.replay(ctx, existing, v.Hash)
	}

	now := s.clock.Now()
	txnType := domain.TxnType(req.Type)
	if txnType == "" {
		txnType = domain.TxnTypeP2P
	}
	switchFee, bankFee := Fees(req.Amount, s.fees)
	t := &domain.Transaction{
		ID:            s.ids.TransactionID(),
		RRN:           s.ids.RRN(now),
		DedupeKey:     req.DedupeKey,
		PayerVPA:      payerVPA,
		PayeeVPA:      payeeVPA,
		PayerBank:     payerBank,
		PayeeBank:     payeeBank,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		Type:          txnType,
		MCC:           req.MCC,
		SwitchFee:     switchFee,
		BankFee:       bankFee,
		Signature:     req.Signature,
		CanonicalHash: v.Hash,
		State:         domain.StatePending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		LeaseUntil:    now.Add(s.cfg.Lease),
	}
	err = s.store.CreateTransaction(ctx, t, domain.Transition{
		TransactionID: t.ID,
		To:            domain.StatePending,
		Version:       1,
		Reason:        "accepted",
		At:            now,
	})
	if errors.Is(err, domain.ErrDuplicateDedupeKey) {
		existing, err := s.store.GetTransactionByDedupe(ctx, payerVPA, req.DedupeKey)
		if err != nil {
			return nil, fmt.Errorf("load duplicate: %w", err)
		}
		return s.replay(ctx, existing, v.Hash)
	}
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	log := logger.WithContext(logger.ContextWithTransaction(ctx, t.ID), s.log)
	if _, err := s.dedupe.Remember(ctx, payerVPA, req.DedupeKey, t.ID); err != nil {
		log.Warn("dedupe cache write failed", zap.Error(err))
	}
	log.Info("payment accepted",
		zap.String("rrn", t.RRN),
		zap.String("payer_bank", payerBank),
		zap.String("payee_bank", payeeBank),
		zap.Int64("amount", t.Amount),
	)

	s.launch(ctx, t)
	return s.await(ctx, t.ID)
}

func (s *PaymentService) resolve(ctx context.Context, payerVPA, payeeVPA string) (string, string, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.RouteTimeout)
	defer cancel()
	payerBank, err := s.resolver.Resolve(ctx, payerVPA)
	if err != nil {
		return "", "", fmt.Errorf("payer %s: %w", payerVPA, err)
	}
	payeeBank, err := s.resolver.Resolve(ctx, payeeVPA)
	if err != nil {
		return "", "", fmt.Errorf("payee %s: %w", payeeVPA, err)
	}
	return payerBank, payeeBank, nil
}

// cached consults the dedupe cache. Misses and cache errors fall through to
// the store's unique constraint.
func (s *PaymentService) cached(ctx context.Context, payerVPA, key string) *domain.Transaction {
	id, ok, err := s.dedupe.Lookup(ctx, payerVPA, key)
	if err != nil {
		s.log.Warn("dedupe cache read failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil
	}
	return t
}

// replay answers a repeated dedupe key with the original transaction. A
// request that differs from the original is rejected, never re-executed.
func (s *PaymentService) replay(ctx context.Context, existing *domain.Transaction, hash string) (*domain.Transaction, error) {
	if existing.CanonicalHash != hash {
		idempotentReplays.WithLabelValues("mismatch").Inc()
		return nil, domain.ErrIdempotencyMismatch.WithTransaction(existing.ID)
	}
	idempotentReplays.WithLabelValues("match").Inc()
	if existing.State.Terminal() {
		return existing, nil
	}
	return s.await(ctx, existing.ID)
}

func (s *PaymentService) launch(ctx context.Context, t *domain.Transaction) {
	// Keep request values such as the trace span but not its cancellation.
	sagaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.base, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		s.saga.Drive(sagaCtx, t)
	}()
}

// await returns once id is terminal, the wait budget runs out or the client
// goes away. In the last two cases the saga keeps running.
func (s *PaymentService) await(ctx context.Context, id string) (*domain.Transaction, error) {
	budget := time.NewTimer(s.cfg.RequestWaitBudget)
	defer budget.Stop()
	poll := time.NewTicker(awaitPoll)
	defer poll.Stop()

	for {
		done, unsubscribe := s.saga.notifier.subscribe(id)
		t, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		if t.State.Terminal() {
			unsubscribe()
			return t, nil
		}
		select {
		case <-done:
		case <-poll.C:
		case <-budget.C:
			unsubscribe()
			return t, nil
		case <-ctx.Done():
			unsubscribe()
			return t, ctx.Err()
		}
		unsubscribe()
	}
}

func (s *PaymentService) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

func (s *PaymentService) Transitions(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, id)
}

// Shutdown waits for running sagas. When ctx expires first they are
// interrupted; their persisted state is resumed by recovery later.
func (s *PaymentService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
