package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// TransactionUpdate is one optimistic write. Txn carries the new values with
// Version already set to ExpectedVersion+1. Transition and Event, when set,
// are written in the same atomic operation.
type TransactionUpdate struct {
	Txn             *domain.Transaction
	ExpectedVersion int64
	Transition      *domain.Transition
	Event           *domain.OutboxEvent
}

type Transactions interface {
	// CreateTransaction fails with domain.ErrDuplicateDedupeKey when the
	// (payer VPA, dedupe key) pair has been used before.
	CreateTransaction(ctx context.Context, t *domain.Transaction, tr domain.Transition) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByDedupe(ctx context.Context, payerVPA, dedupeKey string) (*domain.Transaction, error)
	// UpdateTransaction fails with domain.ErrVersionConflict when the stored
	// version differs from ExpectedVersion.
	UpdateTransaction(ctx context.Context, u TransactionUpdate) error
	// ClaimStale takes ownership of non-terminal transactions whose lease
	// expired before now, bumping their version so earlier owners lose.
	ClaimStale(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.Transaction, error)
	ListTransitions(ctx context.Context, id string) ([]domain.Transition, error)
	// ListSettleable returns SUCCESS transactions with TerminalAt in [start, end).
	ListSettleable(ctx context.Context, start, end time.Time) ([]*domain.Transaction, error)
}

type Banks interface {
	UpsertBank(ctx context.Context, b domain.Bank) error
	ListBanks(ctx context.Context) ([]domain.Bank, error)
	ResolveVPA(ctx context.Context, vpa string) (string, error)
	UpsertVPA(ctx context.Context, vpa, bankCode string) error
	// DeleteVPA removes a directory entry; unknown VPAs fail with ErrUnknownVPA.
	DeleteVPA(ctx context.Context, vpa string) error
}

type Outbox interface {
	// PendingEvents returns unpublished events in creation order.
	PendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	// MarkPublished sets PublishedAt only if it is still unset.
	MarkPublished(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string) error
}

type Settlements interface {
	// CreateBatch inserts an OPEN batch; it reports false if the ID exists.
	CreateBatch(ctx context.Context, b *domain.SettlementBatch) (bool, error)
	GetBatch(ctx context.Context, id string) (*domain.SettlementBatch, error)
	// CloseBatch moves an OPEN batch to CLOSED with its nets and emits ev.
	CloseBatch(ctx context.Context, b *domain.SettlementBatch, ev domain.OutboxEvent) error
	// SaveReport upserts a bank report on a CLOSED batch.
	SaveReport(ctx context.Context, batchID string, r domain.BankReport) error
	// FinalizeBatch moves a CLOSED batch to RECONCILED or MISMATCHED and emits ev.
	FinalizeBatch(ctx context.Context, b *domain.SettlementBatch, ev domain.OutboxEvent) error
}

// Store is the full persistence surface of the switch.
type Store interface {
	Transactions
	Banks
	Outbox
	Settlements
	Ping(ctx context.Context) error
	Close()
}

func checkUpdate(u TransactionUpdate) error {
	if u.Txn == nil || u.Txn.Version != u.ExpectedVersion+1 {
		return domain.ErrVersionConflict
	}
	if u.Transition != nil && !domain.CanTransition(u.Transition.From, u.Transition.To) {
		return domain.ErrInvalidTransition
	}
	return nil
}
