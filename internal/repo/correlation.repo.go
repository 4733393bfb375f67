package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"terminal-recon/internal/domain"
)

// CorrelationRepo is the append-only log of outbound charge requests.
type CorrelationRepo interface {
	Append(ctx context.Context, e domain.CorrelationEntry) error
	// Recent returns up to limit entries of phase, newest first.
	Recent(ctx context.Context, phase domain.CorrelationPhase, limit int) ([]domain.CorrelationEntry, error)
	// FindRequest returns the request-phase entry for requestID, or nil, nil.
	FindRequest(ctx context.Context, requestID string) (*domain.CorrelationEntry, error)
}

var correlationColumns = []string{
	"id", "phase", "request_id", "amount_cents", "terminal_id", "invoice_hint",
	"url", "http_status", "ack", "payload", "created_at",
}

type correlationRepo struct {
	db *sql.DB
}

func NewCorrelationRepo(db *sql.DB) CorrelationRepo {
	return &correlationRepo{db: db}
}

func (r *correlationRepo) Append(ctx context.Context, e domain.CorrelationEntry) error {
	query, args, err := psq.Insert("correlation_log").Columns(correlationColumns...).Values(
		e.ID, e.Phase, e.RequestID, e.AmountCents, e.TerminalID, e.InvoiceHint,
		e.URL, e.HTTPStatus, domain.TruncateAck(e.Ack), nullJSON(e.Payload), e.CreatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("building correlation insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting correlation entry: %w", err)
	}
	return nil
}

func (r *correlationRepo) Recent(ctx context.Context, phase domain.CorrelationPhase, limit int) ([]domain.CorrelationEntry, error) {
	query, args, err := psq.Select(correlationColumns...).From("correlation_log").
		Where("phase = ?", phase).
		OrderBy("created_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building correlation query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying correlation log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]domain.CorrelationEntry, 0, limit)
	for rows.Next() {
		e, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating correlation rows: %w", err)
	}
	return entries, nil
}

func (r *correlationRepo) FindRequest(ctx context.Context, requestID string) (*domain.CorrelationEntry, error) {
	query, args, err := psq.Select(correlationColumns...).From("correlation_log").
		Where("phase = ? AND request_id = ?", domain.PhaseRequest, requestID).
		OrderBy("created_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building correlation query: %w", err)
	}
	e, err := scanCorrelation(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanCorrelation(row rowScanner) (*domain.CorrelationEntry, error) {
	var e domain.CorrelationEntry
	var payload []byte
	err := row.Scan(
		&e.ID,
		&e.Phase,
		&e.RequestID,
		&e.AmountCents,
		&e.TerminalID,
		&e.InvoiceHint,
		&e.URL,
		&e.HTTPStatus,
		&e.Ack,
		&payload,
		&e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning correlation row: %w", err)
	}
	e.Payload = payload
	return &e, nil
}
