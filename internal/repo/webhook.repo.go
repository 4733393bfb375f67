package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"terminal-recon/internal/domain"
)

// WebhookRepo is the append-only audit log of every inbound notification.
type WebhookRepo interface {
	Append(ctx context.Context, e domain.WebhookEntry) error
	LatestByInvoice(ctx context.Context, invoice string) (*domain.WebhookEntry, error)
	LatestByRequestID(ctx context.Context, requestID string) (*domain.WebhookEntry, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]domain.WebhookEntry, error)
}

var webhookColumns = []string{
	"id", "received_at", "notified_at", "request_id", "state", "amount_cents",
	"total_cents", "note", "raw", "txn_id", "terminal_id", "invoice",
}

type webhookRepo struct {
	db *sql.DB
}

func NewWebhookRepo(db *sql.DB) WebhookRepo {
	return &webhookRepo{db: db}
}

func (r *webhookRepo) Append(ctx context.Context, e domain.WebhookEntry) error {
	query, args, err := psq.Insert("webhook_log").Columns(webhookColumns...).Values(
		e.ID, e.ReceivedAt, e.NotifiedAt, e.RequestID, e.State, e.AmountCents,
		e.TotalCents, e.Note, e.Raw, e.TxnID, e.TerminalID, e.Invoice,
	).ToSql()
	if err != nil {
		return fmt.Errorf("building webhook insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting webhook entry: %w", err)
	}
	return nil
}

func (r *webhookRepo) LatestByInvoice(ctx context.Context, invoice string) (*domain.WebhookEntry, error) {
	return r.latest(ctx, "invoice = ?", invoice)
}

func (r *webhookRepo) LatestByRequestID(ctx context.Context, requestID string) (*domain.WebhookEntry, error) {
	return r.latest(ctx, "request_id = ?", requestID)
}

func (r *webhookRepo) latest(ctx context.Context, pred string, arg any) (*domain.WebhookEntry, error) {
	query, args, err := psq.Select(webhookColumns...).From("webhook_log").
		Where(pred, arg).OrderBy("received_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building webhook query: %w", err)
	}
	e, err := scanWebhook(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning webhook entry: %w", err)
	}
	return e, nil
}

func (r *webhookRepo) Recent(ctx context.Context, limit int) ([]domain.WebhookEntry, error) {
	query, args, err := psq.Select(webhookColumns...).From("webhook_log").
		OrderBy("received_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building webhook query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying webhook log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.WebhookEntry
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhook rows: %w", err)
	}
	return entries, nil
}

func scanWebhook(row rowScanner) (*domain.WebhookEntry, error) {
	var e domain.WebhookEntry
	err := row.Scan(
		&e.ID,
		&e.ReceivedAt,
		&e.NotifiedAt,
		&e.RequestID,
		&e.State,
		&e.AmountCents,
		&e.TotalCents,
		&e.Note,
		&e.Raw,
		&e.TxnID,
		&e.TerminalID,
		&e.Invoice,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
