package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/payswitch/internal/domain"
)

const uniqueViolation = "23505"

// Postgres is the durable Store. Every saga transition, its audit row and
// its outbox event commit in one database transaction.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.Db.Ping(ctx) }

func (s *Postgres) Close() { s.Db.Close() }

func (s *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const txnColumns = `id, rrn, dedupe_key, payer_vpa, payee_vpa, payer_bank, payee_bank, credit_bank,
	amount, currency, txn_type, mcc, signature, canonical_hash, state, version, retry_count,
	debit_ref, credit_ref, reversal_ref, error_code, created_at, updated_at,
	debited_at, credited_at, terminal_at, lease_until,
	reversal_attempts, switch_fee, bank_fee`

func scanTxn(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.RRN, &t.DedupeKey, &t.PayerVPA, &t.PayeeVPA, &t.PayerBank, &t.PayeeBank, &t.CreditBank,
		&t.Amount, &t.Currency, &t.Type, &t.MCC, &t.Signature, &t.CanonicalHash, &t.State, &t.Version, &t.RetryCount,
		&t.DebitRef, &t.CreditRef, &t.ReversalRef, &t.ErrorCode, &t.CreatedAt, &t.UpdatedAt,
		&t.DebitedAt, &t.CreditedAt, &t.TerminalAt, &t.LeaseUntil,
		&t.ReversalAttempts, &t.SwitchFee, &t.BankFee)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTxns(rows pgx.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTransition(ctx context.Context, tx pgx.Tx, tr domain.Transition) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO transaction_transitions (transaction_id, from_state, to_state, version, reason, at) VALUES ($1, $2, $3, $4, $5, $6)",
		tr.TransactionID, tr.From, tr.To, tr.Version, tr.Reason, tr.At)
	if err != nil {
		return fmt.Errorf("transition insert failed: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.OutboxEvent) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO outbox_events (id, event_type, topic, partition_key, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		ev.ID, ev.Type, ev.Topic, ev.PartitionKey, []byte(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) CreateTransaction(ctx context.Context, t *domain.Transaction, tr domain.Transition) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO transactions (`+txnColumns+`) VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
			t.ID, t.RRN, t.DedupeKey, t.PayerVPA, t.PayeeVPA, t.PayerBank, t.PayeeBank, t.CreditBank,
			t.Amount, t.Currency, t.Type, t.MCC, t.Signature, t.CanonicalHash, t.State, t.Version, t.RetryCount,
			t.DebitRef, t.CreditRef, t.ReversalRef, t.ErrorCode, t.CreatedAt, t.UpdatedAt,
			t.DebitedAt, t.CreditedAt, t.TerminalAt, t.LeaseUntil,
			t.ReversalAttempts, t.SwitchFee, t.BankFee)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return domain.ErrDuplicateDedupeKey
			}
			return fmt.Errorf("transaction insert failed: %w", err)
		}
		return insertTransition(ctx, tx, tr)
	})
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTxn(s.Db.QueryRow(ctx, "SELECT "+txnColumns+" FROM transactions WHERE id = $1", id))
}

func (s *Postgres) GetTransactionByDedupe(ctx context.Context, payerVPA, dedupeKey string) (*domain.Transaction, error) {
	return scanTxn(s.Db.QueryRow(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE payer_vpa = $1 AND dedupe_key = $2", payerVPA, dedupeKey))
}

func (s *Postgres) UpdateTransaction(ctx context.Context, u TransactionUpdate) error {
	if err := checkUpdate(u); err != nil {
		return err
	}
	t := u.Txn
	fromState := t.State
	if u.Transition != nil {
		fromState = u.Transition.From
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE transactions SET
				credit_bank = $3, state = $4, version = $5, retry_count = $6,
				debit_ref = $7, credit_ref = $8, reversal_ref = $9, error_code = $10,
				updated_at = $11, debited_at = $12, credited_at = $13, terminal_at = $14, lease_until = $15,
				reversal_attempts = $17
			WHERE id = $1 AND version = $2 AND state = $16`,
			t.ID, u.ExpectedVersion,
			t.CreditBank, t.State, t.Version, t.RetryCount,
			t.DebitRef, t.CreditRef, t.ReversalRef, t.ErrorCode,
			t.UpdatedAt, t.DebitedAt, t.CreditedAt, t.TerminalAt, t.LeaseUntil, fromState,
			t.ReversalAttempts)
		if err != nil {
			return fmt.Errorf("transaction update failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		if u.Transition != nil {
			if err := insertTransition(ctx, tx, *u.Transition); err != nil {
				return err
			}
		}
		if u.Event != nil {
			return insertEvent(ctx, tx, *u.Event)
		}
		return nil
	})
}

func (s *Postgres) ClaimStale(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, `UPDATE transactions SET lease_until = $2, version = version + 1
		WHERE id IN (
			SELECT id FROM transactions
			WHERE state NOT IN ('SUCCESS', 'FAILED', 'REVERSED', 'TIMEOUT') AND lease_until < $1
			ORDER BY lease_until, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+txnColumns, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stale failed: %w", err)
	}
	return collectTxns(rows)
}

func (s *Postgres) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT transaction_id, from_state, to_state, version, reason, at FROM transaction_transitions WHERE transaction_id = $1 ORDER BY id",
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		if err := rows.Scan(&tr.TransactionID, &tr.From, &tr.To, &tr.Version, &tr.Reason, &tr.At); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Postgres) ListSettleable(ctx context.Context, start, end time.Time) ([]*domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE state = 'SUCCESS' AND terminal_at >= $1 AND terminal_at < $2 ORDER BY terminal_at, id",
		start, end)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

func (s *Postgres) UpsertBank(ctx context.Context, b domain.Bank) error {
	if b.Capabilities == nil {
		b.Capabilities = []string{}
	}
	if b.SponsorFor == nil {
		b.SponsorFor = []string{}
	}
	_, err := s.Db.Exec(ctx, `INSERT INTO banks (code, name, endpoint, public_key, capabilities, sponsor_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, endpoint = EXCLUDED.endpoint,
			public_key = EXCLUDED.public_key, capabilities = EXCLUDED.capabilities, sponsor_for = EXCLUDED.sponsor_for`,
		b.Code, b.Name, b.Endpoint, b.PublicKey, b.Capabilities, b.SponsorFor, b.CreatedAt)
	return err
}

func (s *Postgres) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT code, name, endpoint, public_key, capabilities, sponsor_for, created_at FROM banks ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Bank
	for rows.Next() {
		var b domain.Bank
		if err := rows.Scan(&b.Code, &b.Name, &b.Endpoint, &b.PublicKey, &b.Capabilities, &b.SponsorFor, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) ResolveVPA(ctx context.Context, vpa string) (string, error) {
	var code string
	err := s.Db.QueryRow(ctx, "SELECT bank_code FROM vpa_directory WHERE vpa = $1", vpa).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrUnknownVPA
	}
	return code, err
}

func (s *Postgres) UpsertVPA(ctx context.Context, vpa, bankCode string) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO vpa_directory (vpa, bank_code) VALUES ($1, $2) ON CONFLICT (vpa) DO UPDATE SET bank_code = EXCLUDED.bank_code",
		vpa, bankCode)
	return err
}

func (s *Postgres) DeleteVPA(ctx context.Context, vpa string) error {
	tag, err := s.Db.Exec(ctx, "DELETE FROM vpa_directory WHERE vpa = $1", vpa)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownVPA
	}
	return nil
}

func (s *Postgres) PendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := s.Db.Query(ctx, `SELECT seq, id, event_type, topic, partition_key, payload, created_at, publish_attempts, last_error
		FROM outbox_events WHERE published_at IS NULL ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &ev.Topic, &ev.PartitionKey, &payload,
			&ev.CreatedAt, &ev.PublishAttempts, &ev.LastError); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE outbox_events SET published_at = $2, publish_attempts = publish_attempts + 1 WHERE id = $1 AND published_at IS NULL",
		id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE outbox_events SET publish_attempts = publish_attempts + 1, last_error = $2 WHERE id = $1",
		id, reason)
	return err
}

func (s *Postgres) CreateBatch(ctx context.Context, b *domain.SettlementBatch) (bool, error) {
	tag, err := s.Db.Exec(ctx, `INSERT INTO settlement_batches (id, window_start, window_end, status, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		b.ID, b.WindowStart, b.WindowEnd, b.Status, b.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) GetBatch(ctx context.Context, id string) (*domain.SettlementBatch, error) {
	var b domain.SettlementBatch
	var txnIDs, nets, mismatches []byte
	err := s.Db.QueryRow(ctx, `SELECT id, window_start, window_end, status, transaction_ids, nets, volume, mismatches,
			created_at, closed_at, reconciled_at, switch_fees, bank_fees
		FROM settlement_batches WHERE id = $1`, id).
		Scan(&b.ID, &b.WindowStart, &b.WindowEnd, &b.Status, &txnIDs, &nets, &b.Volume, &mismatches,
			&b.CreatedAt, &b.ClosedAt, &b.ReconciledAt, &b.SwitchFees, &b.BankFees)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalAll(txnIDs, &b.TransactionIDs, nets, &b.Nets, mismatches, &b.Mismatches); err != nil {
		return nil, err
	}

	rows, err := s.Db.Query(ctx,
		"SELECT bank_code, net_by_counterparty, submitted_at FROM settlement_reports WHERE batch_id = $1 ORDER BY bank_code", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.BankReport
		var raw []byte
		if err := rows.Scan(&r.BankCode, &raw, &r.SubmittedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &r.NetByCounterparty); err != nil {
			return nil, err
		}
		b.Reports = append(b.Reports, r)
	}
	return &b, rows.Err()
}

func unmarshalAll(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		raw := pairs[i].([]byte)
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) CloseBatch(ctx context.Context, b *domain.SettlementBatch, ev domain.OutboxEvent) error {
	txnIDs, err := json.Marshal(b.TransactionIDs)
	if err != nil {
		return err
	}
	nets, err := json.Marshal(b.Nets)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE settlement_batches
			SET status = 'CLOSED', transaction_ids = $2, nets = $3, volume = $4, closed_at = $5,
				switch_fees = $6, bank_fees = $7
			WHERE id = $1 AND status = 'OPEN'`,
			b.ID, txnIDs, nets, b.Volume, b.ClosedAt, b.SwitchFees, b.BankFees)
		if err != nil {
			return fmt.Errorf("batch close failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (s *Postgres) SaveReport(ctx context.Context, batchID string, r domain.BankReport) error {
	raw, err := json.Marshal(r.NetByCounterparty)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status domain.BatchStatus
		err := tx.QueryRow(ctx, "SELECT status FROM settlement_batches WHERE id = $1 FOR UPDATE", batchID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.BatchClosed {
			return domain.ErrBatchNotClosed
		}
		_, err = tx.Exec(ctx, `INSERT INTO settlement_reports (batch_id, bank_code, net_by_counterparty, submitted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (batch_id, bank_code) DO UPDATE SET net_by_counterparty = EXCLUDED.net_by_counterparty, submitted_at = EXCLUDED.submitted_at`,
			batchID, r.BankCode, raw, r.SubmittedAt)
		return err
	})
}

func (s *Postgres) FinalizeBatch(ctx context.Context, b *domain.SettlementBatch, ev domain.OutboxEvent) error {
	if b.Status != domain.BatchReconciled && b.Status != domain.BatchMismatched {
		return domain.ErrInvalidTransition
	}
	mismatches, err := json.Marshal(b.Mismatches)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE settlement_batches SET status = $2, mismatches = $3, reconciled_at = $4
			WHERE id = $1 AND status = 'CLOSED'`,
			b.ID, b.Status, mismatches, b.ReconciledAt)
		if err != nil {
			return fmt.Errorf("batch finalize failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		return insertEvent(ctx, tx, ev)
	})
}
