package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"terminal-recon/internal/cache"
	"terminal-recon/internal/domain"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/repo"
)

const DefaultOutcomeTTL = 10 * time.Minute

// WebhookAck is the body returned to the gateway. The HTTP status is always 200.
type WebhookAck struct {
	OK                       bool   `json:"ok"`
	Ignored                  bool   `json:"ignored,omitempty"`
	Reconciled               bool   `json:"reconciled,omitempty"`
	Recorded                 bool   `json:"recorded,omitempty"`
	Approved                 bool   `json:"approved,omitempty"`
	WaitingForManualFinalize bool   `json:"waitingForManualFinalize,omitempty"`
	SaleID                   string `json:"saleId,omitempty"`
	Error                    string `json:"error,omitempty"`
}

// WebhookReceiver applies gateway notifications to sessions. It never
// creates a sale.
type WebhookReceiver struct {
	normalizer   *Normalizer
	correlator   *Correlator
	correlations repo.CorrelationRepo
	webhooks     repo.WebhookRepo
	sessions     repo.SessionRepo
	ledger       repo.SaleLedger
	cache        cache.Cache
	outcomeTTL   time.Duration
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

type WebhookDeps struct {
	Normalizer   *Normalizer
	Correlator   *Correlator
	Correlations repo.CorrelationRepo
	Webhooks     repo.WebhookRepo
	Sessions     repo.SessionRepo
	Ledger       repo.SaleLedger
	Cache        cache.Cache
	OutcomeTTL   time.Duration
	Metrics      *metrics.Metrics
}

func NewWebhookReceiver(deps WebhookDeps, logger zerolog.Logger) *WebhookReceiver {
	if deps.Normalizer == nil {
		deps.Normalizer = NewNormalizer(nil)
	}
	if deps.OutcomeTTL <= 0 {
		deps.OutcomeTTL = DefaultOutcomeTTL
	}
	return &WebhookReceiver{
		normalizer:   deps.Normalizer,
		correlator:   deps.Correlator,
		correlations: deps.Correlations,
		webhooks:     deps.Webhooks,
		sessions:     deps.Sessions,
		ledger:       deps.Ledger,
		cache:        deps.Cache,
		outcomeTTL:   deps.OutcomeTTL,
		metrics:      deps.Metrics,
		logger:       logger.With().Str("component", "webhook").Logger(),
		now:          time.Now,
	}
}

// Receive audits raw, attributes it to a session and applies it. Internal
// failures are reported in the ack, never as an error.
func (r *WebhookReceiver) Receive(ctx context.Context, raw []byte) WebhookAck {
	receivedAt := r.now()
	n, parseErr := r.normalizer.Normalize(raw, receivedAt)
	if parseErr == nil {
		r.attribute(ctx, &n)
	}

	if err := r.webhooks.Append(ctx, domain.NewWebhookEntry(n, raw, receivedAt)); err != nil {
		r.logger.Error().Err(err).Str("invoice", n.Invoice).Msg("appending webhook audit entry")
	}

	if parseErr != nil {
		r.logger.Warn().Err(parseErr).Msg("ignoring unparseable notification")
		r.metrics.ObserveWebhook("ignored")
		return WebhookAck{OK: true, Ignored: true}
	}
	if n.Invoice == "" {
		r.logger.Warn().
			Int64("amount_cents", n.AmountCents).
			Str("terminal_id", n.TerminalID).
			Msg("notification has no invoice and no correlated request")
		r.metrics.ObserveWebhook("ignored")
		return WebhookAck{OK: true, Ignored: true}
	}

	ack, err := r.apply(ctx, n, raw)
	if err != nil {
		r.logger.Error().Err(err).Str("invoice", n.Invoice).Msg("applying notification")
		r.metrics.ObserveWebhook("error")
		return WebhookAck{OK: false, Error: err.Error()}
	}
	switch {
	case ack.Reconciled:
		r.metrics.ObserveWebhook("reconciled")
	case ack.WaitingForManualFinalize:
		r.metrics.ObserveWebhook("approved")
	default:
		r.metrics.ObserveWebhook("recorded")
	}
	return ack
}

// RecordRejected audits a notification that failed authentication.
func (r *WebhookReceiver) RecordRejected(ctx context.Context, raw []byte, reason string) WebhookAck {
	now := r.now()
	entry := domain.NewWebhookEntry(domain.Notification{NotifiedAt: now, Note: "rejected: " + reason}, raw, now)
	if err := r.webhooks.Append(ctx, entry); err != nil {
		r.logger.Error().Err(err).Msg("appending rejected webhook")
	}
	r.logger.Warn().Str("reason", reason).Msg("rejected notification")
	r.metrics.ObserveWebhook("rejected")
	return WebhookAck{OK: true, Ignored: true}
}

// attribute settles which (invoice, attempt) a notification belongs to. A
// request id names the attempt exactly, so it wins over the default attempt;
// notifications with neither invoice nor request id go through the correlator.
func (r *WebhookReceiver) attribute(ctx context.Context, n *domain.Notification) {
	if n.Invoice != "" && n.Attempt != "" {
		return
	}
	if n.Invoice == "" && n.RequestID == "" && r.correlator != nil {
		id, err := r.correlator.Match(ctx, CorrelationQuery{
			AmountCents: n.AmountCents,
			TerminalID:  n.TerminalID,
			At:          n.NotifiedAt,
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("correlating notification")
			return
		}
		n.RequestID = id
	}
	if n.RequestID == "" {
		return
	}

	sess, err := r.sessions.FindByRequestID(ctx, n.RequestID)
	if err != nil {
		r.logger.Error().Err(err).Str("request_id", n.RequestID).Msg("finding session by request id")
	}
	if sess != nil && (n.Invoice == "" || n.Invoice == sess.Invoice) {
		n.Invoice, n.Attempt = sess.Invoice, sess.Attempt
		return
	}
	if n.Invoice != "" {
		return
	}
	e, err := r.correlations.FindRequest(ctx, n.RequestID)
	if err != nil {
		r.logger.Error().Err(err).Str("request_id", n.RequestID).Msg("finding publish request")
		return
	}
	if e != nil {
		n.Invoice = e.InvoiceHint
	}
}

func (r *WebhookReceiver) apply(ctx context.Context, n domain.Notification, raw []byte) (WebhookAck, error) {
	key := domain.NewKey(n.Invoice, n.Attempt)

	stale := false
	sess, err := r.sessions.Update(ctx, key, func(s *domain.Session) error {
		// The attempt was republished; answers for the old request id no longer apply.
		if n.RequestID != "" && s.RequestID != "" && n.RequestID != s.RequestID {
			stale = true
			return repo.ErrSkipUpdate
		}
		s.Resolve(n.Status())
		s.LastWebhook = raw
		if s.AmountCents == 0 {
			s.AmountCents = n.AmountCents
		}
		if s.RequestID == "" {
			s.RequestID = n.RequestID
		}
		return nil
	})
	if err != nil {
		return WebhookAck{}, fmt.Errorf("updating session %s: %w", key, err)
	}
	if stale {
		r.logger.Info().
			Str("invoice", key.Invoice).
			Str("attempt", key.Attempt).
			Str("request_id", n.RequestID).
			Str("current_request_id", sess.RequestID).
			Msg("notification for a superseded request recorded only")
		return WebhookAck{OK: true, Recorded: true}, nil
	}
	r.primeCache(ctx, n, raw)

	logger := r.logger.With().
		Str("invoice", key.Invoice).
		Str("attempt", key.Attempt).
		Str("status", string(sess.Status)).
		Logger()

	if sess.SaleID != "" {
		patch := n.Patch()
		patch.Status = sess.Status
		if patch.AmountCents == 0 {
			patch.AmountCents = sess.AmountCents
			patch.TotalCents = sess.AmountCents
		}
		if err := r.ledger.PatchPayment(ctx, sess.SaleID, patch); err != nil {
			return WebhookAck{}, fmt.Errorf("patching sale %s: %w", sess.SaleID, err)
		}
		logger.Info().Str("sale_id", sess.SaleID).Msg("patched existing sale")
		return WebhookAck{OK: true, Reconciled: true, SaleID: sess.SaleID}, nil
	}

	if n.Approved {
		logger.Info().Msg("approval recorded, waiting for finalize")
		return WebhookAck{OK: true, Recorded: true, Approved: true, WaitingForManualFinalize: true}, nil
	}
	logger.Info().Str("state", n.State).Msg("notification recorded")
	return WebhookAck{OK: true, Recorded: true}, nil
}

// primeCache stores resolved outcomes so polling clerks finish without a
// gateway call.
func (r *WebhookReceiver) primeCache(ctx context.Context, n domain.Notification, raw []byte) {
	if r.cache == nil || !n.Status().Resolved() {
		return
	}
	o := domain.NewWebhookEntry(n, raw, n.NotifiedAt).Outcome()
	if err := cache.PutJSON(ctx, r.cache, cache.InvoiceKey(n.Invoice), o, r.outcomeTTL); err != nil {
		r.logger.Warn().Err(err).Str("invoice", n.Invoice).Msg("priming invoice outcome")
	}
	if n.RequestID != "" {
		if err := cache.PutJSON(ctx, r.cache, cache.RequestKey(n.RequestID), o, r.outcomeTTL); err != nil {
			r.logger.Warn().Err(err).Str("request_id", n.RequestID).Msg("priming request outcome")
		}
	}
}
