package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"terminal-recon/internal/cache"
	"terminal-recon/internal/domain"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/repo"
)

const DefaultThrottleTTL = 6 * time.Second

// StatusPoller answers clerk polls from the cheapest source that knows:
// cache, then the webhook log, then a throttled gateway status query.
type StatusPoller struct {
	gateway     payment.Gateway
	webhooks    repo.WebhookRepo
	sessions    repo.SessionRepo
	cache       cache.Cache
	throttleTTL time.Duration
	outcomeTTL  time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func NewStatusPoller(
	gateway payment.Gateway,
	webhooks repo.WebhookRepo,
	sessions repo.SessionRepo,
	c cache.Cache,
	throttleTTL, outcomeTTL time.Duration,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *StatusPoller {
	if throttleTTL <= 0 {
		throttleTTL = DefaultThrottleTTL
	}
	if outcomeTTL <= 0 {
		outcomeTTL = DefaultOutcomeTTL
	}
	return &StatusPoller{
		gateway:     gateway,
		webhooks:    webhooks,
		sessions:    sessions,
		cache:       c,
		throttleTTL: throttleTTL,
		outcomeTTL:  outcomeTTL,
		metrics:     m,
		logger:      logger.With().Str("component", "status").Logger(),
	}
}

func (p *StatusPoller) ByRequestID(ctx context.Context, requestID string) domain.Outcome {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.FailedOutcome("missing requestId")
	}
	logger := p.logger.With().Str("request_id", requestID).Logger()

	if o, ok := p.cached(ctx, cache.RequestKey(requestID)); ok {
		p.metrics.ObservePoll("cache")
		return o
	}

	e, err := p.webhooks.LatestByRequestID(ctx, requestID)
	if err != nil {
		logger.Warn().Err(err).Msg("webhook log lookup failed")
	}
	if e != nil && domain.StatusFromState(e.State).Resolved() {
		o := e.Outcome()
		p.store(ctx, cache.RequestKey(requestID), o)
		p.metrics.ObservePoll("log")
		return o
	}

	stored, err := p.cache.PutIfAbsent(ctx, cache.ThrottleKey(requestID), []byte("1"), p.throttleTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("throttle marker unavailable")
	} else if !stored {
		p.metrics.ObservePoll("throttle")
		return domain.WaitingOutcome()
	}

	st, err := p.gateway.Status(ctx, requestID)
	if err != nil {
		logger.Error().Err(err).Msg("status query failed")
		p.metrics.ObservePoll("error")
		return domain.FailedOutcome(err.Error())
	}
	if !st.OK() {
		logger.Warn().Int("http_status", st.HTTPStatus).Msg("status query rejected")
		p.metrics.ObservePoll("error")
		return domain.FailedOutcome(fmt.Sprintf("status query returned HTTP %d", st.HTTPStatus))
	}
	p.metrics.ObservePoll("gateway")

	o := domain.NewOutcome(st.State, st.AmountCents, st.TotalCents)
	o.RequestID = requestID
	if !o.Found {
		o.Waiting = true
		return o
	}

	p.store(ctx, cache.RequestKey(requestID), o)
	p.resolveSession(ctx, logger, requestID, domain.StatusFromState(st.State))
	return o
}

// ByInvoice never calls the gateway. The webhook is the source of truth for
// invoice polls.
func (p *StatusPoller) ByInvoice(ctx context.Context, invoice string) domain.Outcome {
	invoice = domain.NormalizeInvoice(invoice)
	if invoice == "" {
		return domain.FailedOutcome("missing invoice")
	}
	if o, ok := p.cached(ctx, cache.InvoiceKey(invoice)); ok {
		p.metrics.ObservePoll("cache")
		return o
	}

	e, err := p.webhooks.LatestByInvoice(ctx, invoice)
	if err != nil {
		p.logger.Warn().Err(err).Str("invoice", invoice).Msg("webhook log lookup failed")
	}
	if e != nil && domain.StatusFromState(e.State).Resolved() {
		o := e.Outcome()
		p.store(ctx, cache.InvoiceKey(invoice), o)
		p.metrics.ObservePoll("log")
		return o
	}
	p.metrics.ObservePoll("waiting")
	return domain.WaitingOutcome()
}

func (p *StatusPoller) cached(ctx context.Context, key string) (domain.Outcome, bool) {
	var o domain.Outcome
	ok, err := cache.GetJSON(ctx, p.cache, key, &o)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return o, false
	}
	return o, ok
}

func (p *StatusPoller) store(ctx context.Context, key string, o domain.Outcome) {
	if err := cache.PutJSON(ctx, p.cache, key, o, p.outcomeTTL); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (p *StatusPoller) resolveSession(ctx context.Context, logger zerolog.Logger, requestID string, status domain.SessionStatus) {
	sess, err := p.sessions.FindByRequestID(ctx, requestID)
	if err != nil || sess == nil {
		if err != nil {
			logger.Warn().Err(err).Msg("finding session for status")
		}
		return
	}
	_, err = p.sessions.Update(ctx, sess.Key, func(s *domain.Session) error {
		if s.Status == status {
			return repo.ErrSkipUpdate
		}
		s.Resolve(status)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("invoice", sess.Invoice).Msg("recording polled status")
	}
}
