package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"terminal-recon/internal/cache"
	"terminal-recon/internal/domain"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/repo/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu          sync.Mutex
	prepareErr  error
	publishErr  error
	publishResp *payment.PublishResponse
	status      *payment.StatusResponse
	statusErr   error
	statusCalls int
}

func (g *fakeGateway) PreparePublish(req payment.PublishRequest) (*payment.PreparedPublish, error) {
	if g.prepareErr != nil {
		return nil, g.prepareErr
	}
	return &payment.PreparedPublish{
		URL:         "https://gw.test/?status",
		RequestID:   req.RequestID,
		AmountCents: req.AmountCents,
		Invoice:     req.Invoice,
		TerminalID:  "2319916101",
		Body:        []byte(`{}`),
		Masked:      []byte(`{"appkey":"****1234"}`),
	}, nil
}

func (g *fakeGateway) Publish(context.Context, *payment.PreparedPublish) (*payment.PublishResponse, error) {
	if g.publishErr != nil {
		return nil, g.publishErr
	}
	if g.publishResp != nil {
		return g.publishResp, nil
	}
	return &payment.PublishResponse{HTTPStatus: 200, Body: []byte(`{"status":"ok"}`), Accepted: true}, nil
}

func (g *fakeGateway) Status(context.Context, string) (*payment.StatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.status != nil {
		return g.status, nil
	}
	return &payment.StatusResponse{HTTPStatus: 200, State: "PENDING"}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}

// harness wires every service over in-memory stores.
type harness struct {
	sessions     *memory.SessionStore
	correlations *memory.CorrelationLog
	webhooks     *memory.WebhookLog
	ledger       *memory.SaleLedger
	cache        *cache.Memory
	gateway      *fakeGateway
	correlator   *Correlator
	publisher    *Publisher
	receiver     *WebhookReceiver
	poller       *StatusPoller
	finalizer    *Finalizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		sessions:     memory.NewSessionStore(),
		correlations: memory.NewCorrelationLog(),
		webhooks:     memory.NewWebhookLog(),
		ledger:       memory.NewSaleLedger(),
		cache:        cache.NewMemory(),
		gateway:      &fakeGateway{},
	}
	t.Cleanup(func() { _ = h.cache.Close() })

	h.correlator = NewCorrelator(h.correlations, 0, 0, logger)
	h.publisher = NewPublisher(h.gateway, h.correlations, h.sessions, nil, logger)
	h.receiver = NewWebhookReceiver(WebhookDeps{
		Correlator:   h.correlator,
		Correlations: h.correlations,
		Webhooks:     h.webhooks,
		Sessions:     h.sessions,
		Ledger:       h.ledger,
		Cache:        h.cache,
	}, logger)
	h.poller = NewStatusPoller(h.gateway, h.webhooks, h.sessions, h.cache, 0, 0, nil, logger)
	h.finalizer = NewFinalizer(h.sessions, h.ledger, nil, logger)
	return h
}

func (h *harness) session(t *testing.T, invoice string) *domain.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), domain.NewKey(invoice, ""))
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	return s
}
