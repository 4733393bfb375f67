package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-recon/internal/domain"
)

var testNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func newTestSessionRepo(t *testing.T) (*sessionRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &sessionRepo{db: db, now: func() time.Time { return testNow }}, mock
}

func sessionRow(saleID string, status domain.SessionStatus, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(sessionColumns).AddRow(
		"INV-0007", "A1", "req-1", int64(1299), string(status), testNow.Add(-time.Minute),
		testNow.Add(-time.Minute), saleID, nil, nil, version,
	)
}

func TestSessionRepo_GetFound(t *testing.T) {
	r, mock := newTestSessionRepo(t)
	mock.ExpectQuery("SELECT .+ FROM recon_sessions WHERE invoice = .+ AND attempt = .+").
		WithArgs("INV-0007", "A1").
		WillReturnRows(sessionRow("S123", domain.SessionApproved, 3))

	got, err := r.Get(context.Background(), domain.NewKey("INV-0007", ""))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "S123", got.SaleID)
	assert.Equal(t, domain.SessionApproved, got.Status)
	assert.Equal(t, int64(3), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_GetNotFound(t *testing.T) {
	r, mock := newTestSessionRepo(t)
	mock.ExpectQuery("SELECT .+ FROM recon_sessions").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	got, err := r.Get(context.Background(), domain.NewKey("nope", ""))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateWritesAndBumpsVersion(t *testing.T) {
	r, mock := newTestSessionRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").
		WithArgs("INV-0007", "A1", "pending", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM recon_sessions .+ FOR UPDATE").
		WithArgs("INV-0007", "A1").
		WillReturnRows(sessionRow("", domain.SessionPending, 1))
	mock.ExpectExec("UPDATE recon_sessions").
		WithArgs("INV-0007", "A1", "req-1", int64(1299), "approved", testNow,
			"", nil, nil, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := r.Update(context.Background(), domain.NewKey("INV-0007", ""), func(s *domain.Session) error {
		s.Resolve(domain.SessionApproved)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionApproved, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, testNow, got.LastSeenAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateSkip(t *testing.T) {
	r, mock := newTestSessionRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WillReturnRows(sessionRow("S123", domain.SessionApproved, 4))
	mock.ExpectCommit()

	got, err := r.Update(context.Background(), domain.NewKey("INV-0007", ""), func(*domain.Session) error {
		return ErrSkipUpdate
	})
	require.NoError(t, err)
	assert.Equal(t, "S123", got.SaleID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateRejectsSaleReassignment(t *testing.T) {
	r, mock := newTestSessionRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WillReturnRows(sessionRow("S123", domain.SessionApproved, 4))
	mock.ExpectRollback()

	_, err := r.Update(context.Background(), domain.NewKey("INV-0007", ""), func(s *domain.Session) error {
		s.SaleID = "S999"
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrSaleIDImmutable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateConflict(t *testing.T) {
	r, mock := newTestSessionRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WillReturnRows(sessionRow("", domain.SessionPending, 1))
	mock.ExpectExec("UPDATE recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := r.Update(context.Background(), domain.NewKey("INV-0007", ""), func(s *domain.Session) error {
		s.SaleID = "S1"
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateCallbackError(t *testing.T) {
	r, mock := newTestSessionRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WillReturnRows(sessionRow("", domain.SessionPending, 1))
	mock.ExpectRollback()

	boom := errors.New("ledger down")
	_, err := r.Update(context.Background(), domain.NewKey("INV-0007", ""), func(*domain.Session) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateRequiresInvoice(t *testing.T) {
	r, _ := newTestSessionRepo(t)
	_, err := r.Update(context.Background(), domain.NewKey("", ""), func(*domain.Session) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestSessionRepo_ListUnfinalized(t *testing.T) {
	r, mock := newTestSessionRepo(t)
	mock.ExpectQuery("SELECT .+ FROM recon_sessions WHERE sale_id = '' AND status = .+ ORDER BY last_seen_at LIMIT 50").
		WithArgs("approved", testNow).
		WillReturnRows(sessionRow("", domain.SessionApproved, 2))

	got, err := r.ListUnfinalized(context.Background(), domain.SessionApproved, testNow, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "INV-0007", got[0].Invoice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateWithLedgerSharesTransaction(t *testing.T) {
	r, mock := newTestSessionRepo(t)
	ledger := &saleLedger{db: r.db, now: func() time.Time { return testNow }}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WillReturnRows(sessionRow("", domain.SessionApproved, 2))
	mock.ExpectQuery("INSERT INTO sales .+ RETURNING id").
		WithArgs(sqlmock.AnyArg(), "INV-0007", "A1", nil, sqlmock.AnyArg(), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("S123"))
	mock.ExpectExec("UPDATE recon_sessions").
		WithArgs("INV-0007", "A1", "req-1", int64(1299), "approved", testNow,
			"S123", nil, nil, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := r.UpdateWithLedger(context.Background(), domain.NewKey("INV-0007", ""), ledger,
		func(s *domain.Session, sales SaleLedger) error {
			bound, ok := sales.(*saleLedger)
			require.True(t, ok)
			_, onTx := bound.db.(*sql.Tx)
			assert.True(t, onTx, "sale insert must run on the session transaction")

			id, err := sales.AppendSale(context.Background(), s.Key, nil, domain.PaymentMeta{Status: s.Status})
			if err != nil {
				return err
			}
			s.SaleID = id
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "S123", got.SaleID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_UpdateWithLedgerRollsBackSale(t *testing.T) {
	r, mock := newTestSessionRepo(t)
	ledger := &saleLedger{db: r.db, now: func() time.Time { return testNow }}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO recon_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FOR UPDATE").WillReturnRows(sessionRow("", domain.SessionApproved, 2))
	mock.ExpectQuery("INSERT INTO sales").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("S123"))
	mock.ExpectRollback()

	boom := errors.New("cart rejected")
	_, err := r.UpdateWithLedger(context.Background(), domain.NewKey("INV-0007", ""), ledger,
		func(s *domain.Session, sales SaleLedger) error {
			if _, err := sales.AppendSale(context.Background(), s.Key, nil, domain.PaymentMeta{}); err != nil {
				return err
			}
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBindTxLeavesOtherLedgersAlone(t *testing.T) {
	other := struct{ SaleLedger }{}
	assert.Equal(t, SaleLedger(other), bindTx(other, nil))
}
