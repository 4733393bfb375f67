//go:build integration

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"terminal-recon/internal/database/migrate"
	"terminal-recon/internal/domain"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("recon"),
		postgres.WithUsername("recon"),
		postgres.WithPassword("recon"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrate.Run(db))
	return db
}

func TestPostgres_SessionLifecycle(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	sessions := NewSessionRepo(db)
	ledger := NewSaleLedger(db)
	key := domain.NewKey("INV-PG-1", "")

	got, err := sessions.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	s, err := sessions.Update(ctx, key, func(s *domain.Session) error {
		s.RequestID = "req-pg-1"
		s.AmountCents = 1299
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, s.Status)

	_, err = sessions.Update(ctx, key, func(s *domain.Session) error {
		s.Status = domain.SessionApproved
		return nil
	})
	require.NoError(t, err)

	byReq, err := sessions.FindByRequestID(ctx, "req-pg-1")
	require.NoError(t, err)
	require.NotNil(t, byReq)
	assert.Equal(t, key.Invoice, byReq.Invoice)
	assert.Equal(t, key.Attempt, byReq.Attempt)

	unfinalized, err := sessions.ListUnfinalized(ctx, domain.SessionApproved, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, unfinalized, 1)

	t.Run("concurrent finalize records one sale", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			saleIDs = map[string]int{}
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := sessions.UpdateWithLedger(ctx, key, ledger, func(s *domain.Session, sales SaleLedger) error {
					if s.Finalized() {
						return ErrSkipUpdate
					}
					id, err := sales.AppendSale(ctx, key, json.RawMessage(`[{"sku":"A"}]`), domain.PaymentMeta{
						Invoice: key.Invoice, Attempt: key.Attempt, Status: domain.SessionApproved,
					})
					if err != nil {
						return err
					}
					s.SaleID = id
					return nil
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				saleIDs[s.SaleID]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, saleIDs, 1)

		var n int
		require.NoError(t, db.QueryRow(`SELECT count(*) FROM sales WHERE invoice = $1`, key.Invoice).Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("sale id is immutable", func(t *testing.T) {
		_, err := sessions.Update(ctx, key, func(s *domain.Session) error {
			s.SaleID = "S-other"
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrSaleIDImmutable)
	})
}

func TestPostgres_FinalizeFitsInOneConnection(t *testing.T) {
	db := startPostgres(t)
	db.SetMaxOpenConns(2)
	sessions := NewSessionRepo(db)
	ledger := NewSaleLedger(db)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := domain.NewKey(fmt.Sprintf("INV-POOL-%d", i), "")
			s, err := sessions.UpdateWithLedger(ctx, key, ledger, func(s *domain.Session, sales SaleLedger) error {
				id, err := sales.AppendSale(ctx, key, nil, domain.PaymentMeta{Invoice: key.Invoice, Attempt: key.Attempt})
				if err != nil {
					return err
				}
				s.SaleID = id
				return nil
			})
			if assert.NoError(t, err) {
				assert.NotEmpty(t, s.SaleID)
			}
		}()
	}
	wg.Wait()
}

func TestPostgres_PatchAndPending(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	ledger := NewSaleLedger(db)
	key := domain.NewKey("INV-PG-2", "A2")

	id, err := ledger.AppendSale(ctx, key, nil, domain.PaymentMeta{
		Invoice: key.Invoice, Attempt: key.Attempt, Status: domain.SessionPending, Pending: true, Brand: "VISA",
	})
	require.NoError(t, err)

	pending, err := ledger.ListPendingPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	require.NoError(t, ledger.PatchPayment(ctx, id, domain.PaymentPatch{
		Status: domain.SessionApproved, AmountCents: 1299, TotalCents: 1338, TxnID: "T-1",
	}))

	sale, err := ledger.FindByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.False(t, sale.Payment.Pending)
	assert.Equal(t, "VISA", sale.Payment.Brand)
	assert.Equal(t, "0.39", sale.Payment.Fee.StringFixed(2))

	pending, err = ledger.ListPendingPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPostgres_Logs(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	correlations := NewCorrelationRepo(db)
	webhooks := NewWebhookRepo(db)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, correlations.Append(ctx, domain.CorrelationEntry{
		ID: uuid.New(), Phase: domain.PhaseRequest, RequestID: "req-1", AmountCents: 500,
		TerminalID: "2319916101", InvoiceHint: "INV-9", Payload: json.RawMessage(`{}`), CreatedAt: now,
	}))
	e, err := correlations.FindRequest(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "INV-9", e.InvoiceHint)

	recent, err := correlations.Recent(ctx, domain.PhaseRequest, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	for i, state := range []string{"PENDING", "APPROVED"} {
		require.NoError(t, webhooks.Append(ctx, domain.WebhookEntry{
			ID: uuid.New(), ReceivedAt: now.Add(time.Duration(i) * time.Second), State: state,
			Invoice: "INV-9", RequestID: "req-1", AmountCents: 500, TotalCents: 500,
		}))
	}
	latest, err := webhooks.LatestByInvoice(ctx, "INV-9")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "APPROVED", latest.State)
}
