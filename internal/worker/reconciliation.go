package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/repo"
	"terminal-recon/internal/service"
)

const (
	DefaultSweepInterval    = 5 * time.Minute
	DefaultSweepBatchSize   = 500
	DefaultSweepWebhookScan = 2000
	DefaultUnfinalizedAfter = 15 * time.Minute

	maxSweepNotes = 200
)

// SweepReport summarizes one pass over sales whose payment is still pending.
type SweepReport struct {
	Fixed       int      `json:"fixed"`
	Unresolved  int      `json:"unresolved"`
	Failed      int      `json:"failed"`
	Unfinalized int      `json:"unfinalized"`
	Notes       []string `json:"notes"`
}

func (r *SweepReport) note(format string, args ...any) {
	if len(r.Notes) < maxSweepNotes {
		r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
	}
}

type SweepConfig struct {
	Interval    time.Duration
	BatchSize   int
	WebhookScan int
	// UnfinalizedAfter is how long an approved session may wait for a
	// finalize before the sweep reports it.
	UnfinalizedAfter time.Duration
}

type SweepDeps struct {
	Ledger       repo.SaleLedger
	Webhooks     repo.WebhookRepo
	Sessions     repo.SessionRepo
	Correlations repo.CorrelationRepo
	Correlator   *service.Correlator
	Metrics      *metrics.Metrics
}

// ReconciliationWorker patches pending sales from the webhook audit log.
type ReconciliationWorker struct {
	deps   SweepDeps
	cfg    SweepConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewReconciliationWorker(deps SweepDeps, cfg SweepConfig, logger zerolog.Logger) *ReconciliationWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	if cfg.WebhookScan <= 0 {
		cfg.WebhookScan = DefaultSweepWebhookScan
	}
	if cfg.UnfinalizedAfter <= 0 {
		cfg.UnfinalizedAfter = DefaultUnfinalizedAfter
	}
	return &ReconciliationWorker{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "sweep").Logger(),
		now:    time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	rw.logger.Info().Dur("interval", rw.cfg.Interval).Msg("reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info().Msg("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.RunOnce(ctx); err != nil {
				rw.logger.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// RunOnce is safe to repeat: patching a sale twice with the same webhook
// yields the same payment metadata.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Notes: []string{}}

	sales, err := rw.deps.Ledger.ListPendingPayments(ctx, rw.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("listing pending sales: %w", err)
	}

	if len(sales) > 0 {
		index, err := rw.indexWebhooks(ctx)
		if err != nil {
			return nil, err
		}
		for _, sale := range sales {
			rw.reconcile(ctx, sale, index, report)
		}
	}

	rw.reportUnfinalized(ctx, report)

	rw.deps.Metrics.ObserveSweep(report.Fixed, report.Unresolved, report.Failed)
	rw.logger.Info().
		Int("pending", len(sales)).
		Int("fixed", report.Fixed).
		Int("unresolved", report.Unresolved).
		Int("failed", report.Failed).
		Int("unfinalized", report.Unfinalized).
		Msg("reconciliation sweep finished")
	return report, nil
}

func (rw *ReconciliationWorker) reconcile(ctx context.Context, sale domain.Sale, index map[string]domain.WebhookEntry, report *SweepReport) {
	invoice := domain.NormalizeInvoice(sale.Key.Invoice)
	logger := rw.logger.With().
		Str("sale_id", sale.ID).
		Str("invoice", invoice).
		Str("attempt", sale.Key.Attempt).
		Logger()

	e, ok := index[invoice]
	if !ok {
		report.Unresolved++
		report.note("%s %s: no resolved webhook", sale.ID, sale.Key)
		return
	}

	patch := e.Patch()
	if err := rw.deps.Ledger.PatchPayment(ctx, sale.ID, patch); err != nil {
		logger.Error().Err(err).Msg("patching pending sale")
		report.Failed++
		report.note("%s %s: %v", sale.ID, sale.Key, err)
		return
	}

	_, err := rw.deps.Sessions.Update(ctx, sale.Key, func(s *domain.Session) error {
		if s.Status == patch.Status {
			return repo.ErrSkipUpdate
		}
		s.Resolve(patch.Status)
		return nil
	})
	if err != nil {
		// The sale is already correct; the session catches up on the next webhook.
		logger.Warn().Err(err).Msg("resolving session after patch")
	}

	report.Fixed++
	logger.Info().Str("status", string(patch.Status)).Msg("pending sale reconciled")
}

// indexWebhooks maps each invoice to its newest resolved webhook. Entries
// without an invoice are attributed through their publish request.
func (rw *ReconciliationWorker) indexWebhooks(ctx context.Context) (map[string]domain.WebhookEntry, error) {
	entries, err := rw.deps.Webhooks.Recent(ctx, rw.cfg.WebhookScan)
	if err != nil {
		return nil, fmt.Errorf("loading webhook log: %w", err)
	}

	index := make(map[string]domain.WebhookEntry)
	for _, e := range entries {
		if !domain.StatusFromState(e.State).Resolved() {
			continue
		}
		invoice := domain.NormalizeInvoice(e.Invoice)
		if invoice == "" {
			invoice = rw.attribute(ctx, e)
		}
		if invoice == "" {
			continue
		}
		// Recent is newest first.
		if _, seen := index[invoice]; !seen {
			index[invoice] = e
		}
	}
	return index, nil
}

func (rw *ReconciliationWorker) attribute(ctx context.Context, e domain.WebhookEntry) string {
	requestID := e.RequestID
	if requestID == "" && rw.deps.Correlator != nil {
		id, err := rw.deps.Correlator.Match(ctx, service.CorrelationQuery{
			AmountCents: e.AmountCents,
			TerminalID:  e.TerminalID,
			At:          e.NotifiedAt,
		})
		if err != nil {
			rw.logger.Warn().Err(err).Msg("correlating webhook entry")
			return ""
		}
		requestID = id
	}
	if requestID == "" || rw.deps.Correlations == nil {
		return ""
	}
	req, err := rw.deps.Correlations.FindRequest(ctx, requestID)
	if err != nil || req == nil {
		return ""
	}
	return domain.NormalizeInvoice(req.InvoiceHint)
}

// reportUnfinalized notes approved sessions nobody has finalized. They are
// never finalized automatically.
func (rw *ReconciliationWorker) reportUnfinalized(ctx context.Context, report *SweepReport) {
	cutoff := rw.now().Add(-rw.cfg.UnfinalizedAfter)
	sessions, err := rw.deps.Sessions.ListUnfinalized(ctx, domain.SessionApproved, cutoff, rw.cfg.BatchSize)
	if err != nil {
		rw.logger.Warn().Err(err).Msg("listing unfinalized sessions")
		return
	}
	for _, s := range sessions {
		report.Unfinalized++
		report.note("%s: approved since %s but not finalized", s.Key, s.LastSeenAt.UTC().Format(time.RFC3339))
	}
}
