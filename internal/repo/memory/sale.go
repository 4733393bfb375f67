package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/repo"
)

// SaleLedger counts AppendSale calls that actually created a sale so tests
// can assert the at-most-once guarantee.
type SaleLedger struct {
	mu      sync.RWMutex
	sales   map[string]*domain.Sale
	byKey   map[domain.Key]string
	created int
	now     func() time.Time
}

func NewSaleLedger() *SaleLedger {
	return &SaleLedger{
		sales: make(map[string]*domain.Sale),
		byKey: make(map[domain.Key]string),
		now:   time.Now,
	}
}

func (l *SaleLedger) AppendSale(_ context.Context, key domain.Key, cart json.RawMessage, meta domain.PaymentMeta) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byKey[key]; ok {
		return id, nil
	}
	now := l.now()
	id := "S" + uuid.NewString()[:8]
	l.sales[id] = &domain.Sale{
		ID:        id,
		Key:       key,
		Cart:      append(json.RawMessage(nil), cart...),
		Payment:   meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.byKey[key] = id
	l.created++
	return id, nil
}

func (l *SaleLedger) PatchPayment(_ context.Context, saleID string, patch domain.PaymentPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sales[saleID]
	if !ok {
		return fmt.Errorf("sale %s: %w", saleID, repo.ErrNotFound)
	}
	meta, err := s.Payment.Apply(patch)
	if err != nil {
		return fmt.Errorf("patching sale payment: %w", err)
	}
	s.Payment = meta
	s.UpdatedAt = l.now()
	return nil
}

func (l *SaleLedger) FindByID(_ context.Context, saleID string) (*domain.Sale, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sales[saleID]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (l *SaleLedger) ListPendingPayments(_ context.Context, limit int) ([]domain.Sale, error) {
	l.mu.RLock()
	var out []domain.Sale
	for _, s := range l.sales {
		if s.Payment.Pending || s.Payment.Status == domain.SessionPending {
			out = append(out, *s)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Created reports how many distinct sales were recorded.
func (l *SaleLedger) Created() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.created
}

var _ repo.SaleLedger = (*SaleLedger)(nil)
