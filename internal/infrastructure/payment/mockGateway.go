package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// MockOutcome is what the mock terminal does with a published charge.
type MockOutcome int

const (
	MockApprove MockOutcome = iota
	MockDecline
	// MockPhantom charges the card but the publish call fails as a timeout.
	MockPhantom
	// MockPending never reaches a final state.
	MockPending
)

// RandomOutcome approves 70%, declines 20% and phantom-charges 10% of publishes.
func RandomOutcome() MockOutcome {
	chance := rand.IntN(100)
	switch {
	case chance < 70:
		return MockApprove
	case chance < 90:
		return MockDecline
	default:
		return MockPhantom
	}
}

const MockTerminalID = "2319916101"

type mockCharge struct {
	amountCents int64
	invoice     string
	state       string
	at          time.Time
}

// MockGateway is an in-process terminal cloud for the simulator and tests.
type MockGateway struct {
	mu           sync.RWMutex
	charges      map[string]*mockCharge
	outcome      func() MockOutcome
	latency      time.Duration
	publishCalls int
	statusCalls  int
	statusErr    error
	now          func() time.Time
}

type MockOption func(*MockGateway)

func WithOutcome(fn func() MockOutcome) MockOption {
	return func(g *MockGateway) { g.outcome = fn }
}

func WithFixedOutcome(o MockOutcome) MockOption {
	return WithOutcome(func() MockOutcome { return o })
}

func WithLatency(d time.Duration) MockOption {
	return func(g *MockGateway) { g.latency = d }
}

// WithStatusError makes every Status call fail with err.
func WithStatusError(err error) MockOption {
	return func(g *MockGateway) { g.statusErr = err }
}

func NewMockGateway(opts ...MockOption) *MockGateway {
	g := &MockGateway{
		charges: make(map[string]*mockCharge),
		outcome: func() MockOutcome { return MockApprove },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *MockGateway) PreparePublish(req PublishRequest) (*PreparedPublish, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrConfig)
	}
	body, err := json.Marshal(map[string]any{
		"epi":           MockTerminalID,
		"txn_type":      "vc_publish",
		"INVOICENUMBER": req.Invoice,
		"payload": map[string]string{
			"AMOUNT":     strconv.FormatInt(req.AmountCents, 10),
			"REQ_TXN_ID": req.RequestID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &PreparedPublish{
		URL:         "mock://valor/?status",
		RequestID:   req.RequestID,
		AmountCents: req.AmountCents,
		Invoice:     req.Invoice,
		TerminalID:  MockTerminalID,
		Body:        body,
		Masked:      body,
	}, nil
}

func (g *MockGateway) Publish(ctx context.Context, p *PreparedPublish) (*PublishResponse, error) {
	g.mu.Lock()
	g.publishCalls++
	if c, exists := g.charges[p.RequestID]; exists {
		g.mu.Unlock()
		return &PublishResponse{HTTPStatus: 200, Body: []byte(`{"status":"duplicate","state":"` + c.state + `"}`), Accepted: true}, nil
	}
	g.mu.Unlock()

	if g.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, ctx.Err())
		case <-time.After(g.latency):
		}
	}

	outcome := g.outcome()
	state := ""
	switch outcome {
	case MockApprove, MockPhantom:
		state = "APPROVED"
	case MockDecline:
		state = "DECLINED"
	}

	g.mu.Lock()
	g.charges[p.RequestID] = &mockCharge{amountCents: p.AmountCents, invoice: p.Invoice, state: state, at: g.now()}
	g.mu.Unlock()

	if outcome == MockPhantom {
		// The card is charged but the caller only sees a dropped connection.
		return nil, fmt.Errorf("%w: connection timeout", ErrGatewayUnreachable)
	}
	return &PublishResponse{HTTPStatus: 200, Body: []byte(`{"status":"published"}`), Accepted: true}, nil
}

func (g *MockGateway) Status(_ context.Context, requestID string) (*StatusResponse, error) {
	g.mu.Lock()
	g.statusCalls++
	err := g.statusErr
	c, exists := g.charges[requestID]
	g.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	if !exists {
		return &StatusResponse{HTTPStatus: 200, State: "NOT FOUND"}, nil
	}
	return &StatusResponse{HTTPStatus: 200, State: c.state, AmountCents: c.amountCents, TotalCents: c.amountCents}, nil
}

// WebhookBody renders the notification the terminal cloud would send for
// requestID. withInvoice false mimics gateway versions that drop the invoice.
func (g *MockGateway) WebhookBody(requestID string, withInvoice bool) ([]byte, bool) {
	g.mu.RLock()
	c, exists := g.charges[requestID]
	g.mu.RUnlock()
	if !exists || c.state == "" {
		return nil, false
	}
	txnID := requestID
	if len(txnID) > 8 {
		txnID = txnID[:8]
	}
	body := map[string]any{
		"STAT":          c.state,
		"amount":        c.amountCents,
		"epi_id":        MockTerminalID,
		"txn_id":        "T-" + txnID,
		"response_date": c.at.UTC().Format("2006-01-02"),
		"response_time": c.at.UTC().Format("15:04:05"),
	}
	if withInvoice {
		body["invoicenumber"] = c.invoice
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Charged reports whether the terminal actually took money for requestID.
func (g *MockGateway) Charged(requestID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, exists := g.charges[requestID]
	return exists && c.state == "APPROVED"
}

func (g *MockGateway) StatusCalls() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statusCalls
}

func (g *MockGateway) PublishCalls() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.publishCalls
}

var _ Gateway = (*MockGateway)(nil)
