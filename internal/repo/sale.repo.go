package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"terminal-recon/internal/domain"
)

// SaleLedger is the narrow interface onto the sales collaborator. AppendSale
// is idempotent by key: a second call for the same (invoice, attempt)
// returns the existing sale id.
type SaleLedger interface {
	AppendSale(ctx context.Context, key domain.Key, cart json.RawMessage, meta domain.PaymentMeta) (string, error)
	PatchPayment(ctx context.Context, saleID string, patch domain.PaymentPatch) error
	FindByID(ctx context.Context, saleID string) (*domain.Sale, error)
	// ListPendingPayments returns sales whose payment metadata is still pending, oldest first.
	ListPendingPayments(ctx context.Context, limit int) ([]domain.Sale, error)
}

var saleColumns = []string{"id", "invoice", "attempt", "cart", "payment", "created_at", "updated_at"}

type saleLedger struct {
	db  dbtx
	now func() time.Time
}

func NewSaleLedger(db *sql.DB) SaleLedger {
	return &saleLedger{db: db, now: time.Now}
}

// bindTx returns ledger running inside tx. Ledgers that are not backed by
// this package's Postgres store are returned unchanged.
func bindTx(ledger SaleLedger, tx *sql.Tx) SaleLedger {
	if l, ok := ledger.(*saleLedger); ok {
		return &saleLedger{db: tx, now: l.now}
	}
	return ledger
}

func (r *saleLedger) AppendSale(ctx context.Context, key domain.Key, cart json.RawMessage, meta domain.PaymentMeta) (string, error) {
	payment, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshaling payment meta: %w", err)
	}
	now := r.now()

	// The no-op update lets RETURNING yield the existing id on conflict.
	var id string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO sales (id, invoice, attempt, cart, payment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (invoice, attempt) DO UPDATE SET updated_at = sales.updated_at
		RETURNING id`,
		newSaleID(), key.Invoice, key.Attempt, nullJSON(cart), payment, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting sale: %w", err)
	}
	return id, nil
}

func (r *saleLedger) PatchPayment(ctx context.Context, saleID string, patch domain.PaymentPatch) error {
	fields, err := json.Marshal(patch.Fields())
	if err != nil {
		return fmt.Errorf("marshaling payment patch: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sales
		SET payment = payment || $2::jsonb, updated_at = $3
		WHERE id = $1`,
		saleID, fields, r.now(),
	)
	if err != nil {
		return fmt.Errorf("patching sale payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patching sale payment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sale %s: %w", saleID, ErrNotFound)
	}
	return nil
}

func (r *saleLedger) FindByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	query, args, err := psq.Select(saleColumns...).From("sales").Where("id = ?", saleID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building sale query: %w", err)
	}
	s, err := scanSale(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sale: %w", err)
	}
	return s, nil
}

func (r *saleLedger) ListPendingPayments(ctx context.Context, limit int) ([]domain.Sale, error) {
	query, args, err := psq.Select(saleColumns...).From("sales").
		Where("(payment->>'pending' = 'true' OR payment->>'status' = ?)", domain.SessionPending).
		OrderBy("created_at").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building pending sales query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending sales: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sales []domain.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sale row: %w", err)
		}
		sales = append(sales, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sale rows: %w", err)
	}
	return sales, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var s domain.Sale
	var cart, payment []byte
	err := row.Scan(&s.ID, &s.Key.Invoice, &s.Key.Attempt, &cart, &payment, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Cart = cart
	if len(payment) > 0 {
		if err := json.Unmarshal(payment, &s.Payment); err != nil {
			return nil, fmt.Errorf("decoding payment meta: %w", err)
		}
	}
	return &s, nil
}

// newSaleID returns a short sale reference.
func newSaleID() string {
	return "S" + uuid.NewString()[:8]
}
