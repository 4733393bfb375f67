package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"terminal-recon/internal/domain"
)

// SessionRepo is the durable per (invoice, attempt) reconciliation state.
type SessionRepo interface {
	// Get returns nil, nil when no session exists for key.
	Get(ctx context.Context, key domain.Key) (*domain.Session, error)
	// Update loads the session for key (creating it on first touch), applies
	// fn and persists the result as one atomic read-modify-write. Concurrent
	// Updates on the same key are serialized; different keys never contend.
	Update(ctx context.Context, key domain.Key, fn func(s *domain.Session) error) (*domain.Session, error)
	// UpdateWithLedger is Update with ledger joined to the same atomic step:
	// sales appended from fn commit or roll back together with the session.
	UpdateWithLedger(ctx context.Context, key domain.Key, ledger SaleLedger, fn func(s *domain.Session, sales SaleLedger) error) (*domain.Session, error)
	FindByRequestID(ctx context.Context, requestID string) (*domain.Session, error)
	// ListUnfinalized returns sessions in status with no sale, last seen before seenBefore.
	ListUnfinalized(ctx context.Context, status domain.SessionStatus, seenBefore time.Time, limit int) ([]domain.Session, error)
}

var sessionColumns = []string{
	"invoice", "attempt", "request_id", "amount_cents", "status", "started_at",
	"last_seen_at", "sale_id", "last_webhook", "cart_snapshot", "version",
}

type sessionRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db, now: time.Now}
}

func (r *sessionRepo) Get(ctx context.Context, key domain.Key) (*domain.Session, error) {
	query, args, err := psq.Select(sessionColumns...).From("recon_sessions").
		Where("invoice = ? AND attempt = ?", key.Invoice, key.Attempt).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) Update(ctx context.Context, key domain.Key, fn func(s *domain.Session) error) (*domain.Session, error) {
	return r.update(ctx, key, func(_ *sql.Tx, s *domain.Session) error { return fn(s) })
}

// UpdateWithLedger runs the sale insert on the session's own transaction, so
// a finalize holds one pooled connection, never two.
func (r *sessionRepo) UpdateWithLedger(ctx context.Context, key domain.Key, ledger SaleLedger, fn func(s *domain.Session, sales SaleLedger) error) (*domain.Session, error) {
	return r.update(ctx, key, func(tx *sql.Tx, s *domain.Session) error {
		return fn(s, bindTx(ledger, tx))
	})
}

func (r *sessionRepo) update(ctx context.Context, key domain.Key, fn func(tx *sql.Tx, s *domain.Session) error) (*domain.Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO recon_sessions (invoice, attempt, status, started_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (invoice, attempt) DO NOTHING`,
		key.Invoice, key.Attempt, domain.SessionPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	query, args, err := psq.Select(sessionColumns...).From("recon_sessions").
		Where("invoice = ? AND attempt = ?", key.Invoice, key.Attempt).
		Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session lock query: %w", err)
	}
	prev, err := scanSession(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}

	next := prev.Clone()
	if err := fn(tx, next); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("committing session tx: %w", err)
			}
			return prev, nil
		}
		return nil, err
	}
	next.LastSeenAt = now
	if err := domain.CheckTransition(prev, next); err != nil {
		return nil, err
	}

	// The sale_id guard makes the write a compare-and-swap even if the row
	// lock were bypassed.
	res, err := tx.ExecContext(ctx, `
		UPDATE recon_sessions
		SET request_id = $3, amount_cents = $4, status = $5, last_seen_at = $6,
		    sale_id = $7, last_webhook = $8, cart_snapshot = $9, version = version + 1
		WHERE invoice = $1 AND attempt = $2 AND version = $10
		  AND (sale_id = '' OR sale_id = $7)`,
		key.Invoice, key.Attempt, next.RequestID, next.AmountCents, next.Status, next.LastSeenAt,
		next.SaleID, nullJSON(next.LastWebhook), nullJSON(next.CartSnapshot), prev.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	} else if n != 1 {
		return nil, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session tx: %w", err)
	}
	next.Version = prev.Version + 1
	return next, nil
}

func (r *sessionRepo) FindByRequestID(ctx context.Context, requestID string) (*domain.Session, error) {
	query, args, err := psq.Select(sessionColumns...).From("recon_sessions").
		Where("request_id = ?", requestID).
		OrderBy("last_seen_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) ListUnfinalized(ctx context.Context, status domain.SessionStatus, seenBefore time.Time, limit int) ([]domain.Session, error) {
	query, args, err := psq.Select(sessionColumns...).From("recon_sessions").
		Where("sale_id = '' AND status = ? AND last_seen_at < ?", status, seenBefore).
		OrderBy("last_seen_at").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session list query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var webhook, cart []byte
	err := row.Scan(
		&s.Invoice,
		&s.Attempt,
		&s.RequestID,
		&s.AmountCents,
		&s.Status,
		&s.StartedAt,
		&s.LastSeenAt,
		&s.SaleID,
		&webhook,
		&cart,
		&s.Version,
	)
	if err != nil {
		return nil, err
	}
	s.LastWebhook = webhook
	s.CartSnapshot = cart
	return &s, nil
}
