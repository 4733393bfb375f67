package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/repo"
)

func TestSessionStore_UpdateCreatesOnFirstTouch(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	key := domain.NewKey("INV-0007", "")

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	sess, err := s.Update(ctx, key, func(sess *domain.Session) error {
		sess.Resolve(domain.SessionApproved)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionApproved, sess.Status)
	assert.Equal(t, int64(1), sess.Version)
	assert.False(t, sess.StartedAt.IsZero())

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sess, got)
}

func TestSessionStore_UpdateSkipAndErrors(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	key := domain.NewKey("INV-1", "")

	_, err := s.Update(ctx, key, func(sess *domain.Session) error {
		sess.SaleID = "S1"
		return nil
	})
	require.NoError(t, err)

	sess, err := s.Update(ctx, key, func(*domain.Session) error { return repo.ErrSkipUpdate })
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Version)

	_, err = s.Update(ctx, key, func(sess *domain.Session) error {
		sess.SaleID = "S2"
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrSaleIDImmutable)

	boom := errors.New("boom")
	_, err = s.Update(ctx, key, func(*domain.Session) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.Update(ctx, domain.NewKey("", ""), func(*domain.Session) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestSessionStore_KeyLocksAreReleased(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := domain.NewKey(fmt.Sprintf("INV-%d", i%5), "")
			_, err := s.Update(ctx, key, func(*domain.Session) error { return nil })
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Empty(t, s.locks)
	assert.Len(t, s.sessions, 5)
}

func TestSessionStore_ConcurrentSaleAssignmentHasOneWinner(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	key := domain.NewKey("INV-RACE", "")

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won := false
			_, err := s.Update(ctx, key, func(sess *domain.Session) error {
				if sess.SaleID != "" {
					return repo.ErrSkipUpdate
				}
				sess.SaleID = "S" + string(rune('A'+i))
				won = true
				return nil
			})
			assert.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	sess, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SaleID)
	assert.Equal(t, int64(1), sess.Version)
}

func TestSessionStore_FindAndList(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { return tick }

	for _, inv := range []string{"INV-1", "INV-2", "INV-3"} {
		_, err := s.Update(ctx, domain.NewKey(inv, ""), func(sess *domain.Session) error {
			sess.RequestID = "req-" + inv
			sess.Resolve(domain.SessionApproved)
			if inv == "INV-3" {
				sess.SaleID = "S3"
			}
			return nil
		})
		require.NoError(t, err)
		tick = tick.Add(time.Minute)
	}

	sess, err := s.FindByRequestID(ctx, "req-INV-2")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "INV-2", sess.Invoice)

	missing, err := s.FindByRequestID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := s.ListUnfinalized(ctx, domain.SessionApproved, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "INV-1", list[0].Invoice)
	assert.Equal(t, "INV-2", list[1].Invoice)
}

func TestCorrelationLog_RecentNewestFirst(t *testing.T) {
	l := NewCorrelationLog()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, domain.CorrelationEntry{Phase: domain.PhaseRequest, RequestID: "a"}))
	require.NoError(t, l.Append(ctx, domain.CorrelationEntry{Phase: domain.PhaseResponse, RequestID: "a"}))
	require.NoError(t, l.Append(ctx, domain.CorrelationEntry{Phase: domain.PhaseRequest, RequestID: "b"}))
	require.NoError(t, l.Append(ctx, domain.CorrelationEntry{Phase: domain.PhaseRequest, RequestID: "c"}))

	got, err := l.Recent(ctx, domain.PhaseRequest, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].RequestID)
	assert.Equal(t, "b", got[1].RequestID)

	e, err := l.FindRequest(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, domain.PhaseRequest, e.Phase)

	e, err = l.FindRequest(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestWebhookLog_Latest(t *testing.T) {
	l := NewWebhookLog()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, domain.WebhookEntry{Invoice: "INV-1", State: "PENDING"}))
	require.NoError(t, l.Append(ctx, domain.WebhookEntry{Invoice: "INV-1", State: "APPROVED", RequestID: "r1"}))
	require.NoError(t, l.Append(ctx, domain.WebhookEntry{Invoice: "INV-2", State: "DECLINED"}))

	e, err := l.LatestByInvoice(ctx, "INV-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "APPROVED", e.State)

	e, err = l.LatestByRequestID(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "INV-1", e.Invoice)

	recent, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "INV-2", recent[0].Invoice)
	assert.Equal(t, 3, l.Len())
}

func TestSaleLedger_AppendIsIdempotentByKey(t *testing.T) {
	l := NewSaleLedger()
	ctx := context.Background()
	key := domain.NewKey("INV-0007", "")
	meta := domain.PaymentMeta{Invoice: key.Invoice, Attempt: key.Attempt, Status: domain.SessionPending, Pending: true}

	id1, err := l.AppendSale(ctx, key, []byte(`{"items":[1]}`), meta)
	require.NoError(t, err)
	id2, err := l.AppendSale(ctx, key, []byte(`{"items":[2]}`), meta)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, l.Created())

	pending, err := l.ListPendingPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, l.PatchPayment(ctx, id1, domain.PaymentPatch{Status: domain.SessionApproved, AmountCents: 1299, TotalCents: 1299}))
	sale, err := l.FindByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionApproved, sale.Payment.Status)
	assert.False(t, sale.Payment.Pending)
	assert.Equal(t, `{"items":[1]}`, string(sale.Cart))

	pending, err = l.ListPendingPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, l.PatchPayment(ctx, "S-missing", domain.PaymentPatch{}), repo.ErrNotFound)
}
