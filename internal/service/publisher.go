package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/repo"
)

var ErrInvalidCharge = errors.New("invalid charge request")

type CheckoutRequest struct {
	AmountCents int64           `json:"amountCents" validate:"gt=0"`
	Invoice     string          `json:"invoice" validate:"required"`
	Attempt     string          `json:"attempt,omitempty"`
	LineItems   json.RawMessage `json:"lineItems,omitempty"`
}

type PublishResult struct {
	OK         bool            `json:"ok"`
	Accepted   bool            `json:"accepted"`
	HTTPStatus int             `json:"status"`
	RequestID  string          `json:"requestId"`
	Invoice    string          `json:"invoice"`
	Attempt    string          `json:"attempt"`
	Ack        json.RawMessage `json:"ack,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Publisher pushes a charge to the terminal and records every step in the
// correlation log.
type Publisher struct {
	gateway      payment.Gateway
	correlations repo.CorrelationRepo
	sessions     repo.SessionRepo
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewPublisher(
	gateway payment.Gateway,
	correlations repo.CorrelationRepo,
	sessions repo.SessionRepo,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Publisher {
	return &Publisher{
		gateway:      gateway,
		correlations: correlations,
		sessions:     sessions,
		metrics:      m,
		logger:       logger.With().Str("component", "publisher").Logger(),
		now:          time.Now,
	}
}

// Publish returns a result with Accepted false when the gateway refused the
// charge. Configuration problems and network failures are errors; the
// latter wraps payment.ErrGatewayUnreachable and leaves the session untouched.
func (p *Publisher) Publish(ctx context.Context, req CheckoutRequest) (*PublishResult, error) {
	key := domain.NewKey(req.Invoice, req.Attempt)
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCharge)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCharge, err)
	}

	requestID := uuid.NewString()
	prepared, err := p.gateway.PreparePublish(payment.PublishRequest{
		RequestID:   requestID,
		AmountCents: req.AmountCents,
		Invoice:     key.Invoice,
		LineItems:   req.LineItems,
	})
	if err != nil {
		return nil, fmt.Errorf("preparing publish: %w", err)
	}

	logger := p.logger.With().
		Str("request_id", requestID).
		Str("invoice", key.Invoice).
		Str("attempt", key.Attempt).
		Int64("amount_cents", req.AmountCents).
		Logger()

	p.appendLog(ctx, logger, prepared, domain.PhaseRequest, "→", "")
	logger.Info().Str("url", prepared.URL).Msg("publishing charge")

	resp, err := p.gateway.Publish(ctx, prepared)
	if err != nil {
		p.appendLog(ctx, logger, prepared, domain.PhaseNetworkError, "EXC", err.Error())
		p.metrics.ObservePublish("unreachable")
		logger.Error().Err(err).Msg("publish failed")
		if !errors.Is(err, payment.ErrGatewayUnreachable) {
			err = fmt.Errorf("%w: %v", payment.ErrGatewayUnreachable, err)
		}
		return nil, err
	}
	p.appendLog(ctx, logger, prepared, domain.PhaseResponse, strconv.Itoa(resp.HTTPStatus), string(resp.Body))

	result := &PublishResult{
		OK:         resp.Accepted,
		Accepted:   resp.Accepted,
		HTTPStatus: resp.HTTPStatus,
		RequestID:  requestID,
		Invoice:    key.Invoice,
		Attempt:    key.Attempt,
	}
	if json.Valid(resp.Body) {
		result.Ack = resp.Body
	}
	if !resp.Accepted {
		result.Error = fmt.Sprintf("%v (HTTP %d)", payment.ErrNotAccepted, resp.HTTPStatus)
		p.metrics.ObservePublish("rejected")
		logger.Warn().Int("http_status", resp.HTTPStatus).Msg("gateway did not accept publish")
		return result, nil
	}
	p.metrics.ObservePublish("accepted")

	_, err = p.sessions.Update(ctx, key, func(s *domain.Session) error {
		if s.Finalized() {
			return repo.ErrSkipUpdate
		}
		if s.Status == domain.SessionDeclined {
			// A retry on a declined attempt is a new charge under a new request id.
			s.Status = domain.SessionPending
			s.LastWebhook = nil
		}
		s.RequestID = requestID
		if s.AmountCents == 0 {
			s.AmountCents = req.AmountCents
		}
		return nil
	})
	if err != nil {
		// The charge is live on the terminal; the webhook still reconciles it.
		logger.Error().Err(err).Msg("recording session after publish")
	}
	logger.Info().Int("http_status", resp.HTTPStatus).Msg("publish accepted")
	return result, nil
}

// appendLog is best effort. A failed audit write never blocks a charge.
func (p *Publisher) appendLog(ctx context.Context, logger zerolog.Logger, prepared *payment.PreparedPublish, phase domain.CorrelationPhase, httpStatus, ack string) {
	entry := domain.CorrelationEntry{
		ID:          uuid.New(),
		Phase:       phase,
		RequestID:   prepared.RequestID,
		AmountCents: prepared.AmountCents,
		TerminalID:  prepared.TerminalID,
		InvoiceHint: prepared.Invoice,
		URL:         prepared.URL,
		HTTPStatus:  httpStatus,
		Ack:         ack,
		CreatedAt:   p.now(),
	}
	if phase != domain.PhaseResponse {
		entry.Payload = prepared.Masked
	}
	if err := p.correlations.Append(ctx, entry); err != nil {
		logger.Error().Err(err).Str("phase", string(phase)).Msg("appending correlation entry")
	}
}
