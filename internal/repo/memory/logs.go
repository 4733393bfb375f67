package memory

import (
	"context"
	"sync"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/repo"
)

// CorrelationLog keeps entries in append order.
type CorrelationLog struct {
	mu      sync.RWMutex
	entries []domain.CorrelationEntry
}

func NewCorrelationLog() *CorrelationLog {
	return &CorrelationLog{}
}

func (l *CorrelationLog) Append(_ context.Context, e domain.CorrelationEntry) error {
	e.Ack = domain.TruncateAck(e.Ack)
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

func (l *CorrelationLog) Recent(_ context.Context, phase domain.CorrelationPhase, limit int) ([]domain.CorrelationEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.CorrelationEntry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.entries[i].Phase == phase {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

func (l *CorrelationLog) FindRequest(_ context.Context, requestID string) (*domain.CorrelationEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Phase == domain.PhaseRequest && e.RequestID == requestID {
			return &e, nil
		}
	}
	return nil, nil
}

// Entries returns a copy of every entry, oldest first.
func (l *CorrelationLog) Entries() []domain.CorrelationEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.CorrelationEntry(nil), l.entries...)
}

// WebhookLog keeps entries in append order.
type WebhookLog struct {
	mu      sync.RWMutex
	entries []domain.WebhookEntry
}

func NewWebhookLog() *WebhookLog {
	return &WebhookLog{}
}

func (l *WebhookLog) Append(_ context.Context, e domain.WebhookEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

func (l *WebhookLog) LatestByInvoice(_ context.Context, invoice string) (*domain.WebhookEntry, error) {
	return l.latest(func(e domain.WebhookEntry) bool { return e.Invoice == invoice }), nil
}

func (l *WebhookLog) LatestByRequestID(_ context.Context, requestID string) (*domain.WebhookEntry, error) {
	return l.latest(func(e domain.WebhookEntry) bool { return e.RequestID == requestID }), nil
}

func (l *WebhookLog) latest(match func(domain.WebhookEntry) bool) *domain.WebhookEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if match(l.entries[i]) {
			e := l.entries[i]
			return &e
		}
	}
	return nil
}

func (l *WebhookLog) Recent(_ context.Context, limit int) ([]domain.WebhookEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.WebhookEntry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *WebhookLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

var (
	_ repo.CorrelationRepo = (*CorrelationLog)(nil)
	_ repo.WebhookRepo     = (*WebhookLog)(nil)
)
