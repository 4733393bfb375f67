package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/repo"
)

const (
	scoreAmountMatch   = 100.0
	scoreTerminalMatch = 25.0
	scoreInvoiceMatch  = 25.0

	DefaultCorrelatorWindow  = 120
	DefaultCorrelatorMaxSkew = 10 * time.Minute
)

// CorrelationQuery describes a notification that arrived without an invoice.
type CorrelationQuery struct {
	AmountCents int64
	TerminalID  string
	InvoiceHint string
	At          time.Time
}

// Correlator links an unattributed notification to a prior publish request.
type Correlator struct {
	log     repo.CorrelationRepo
	window  int
	maxSkew time.Duration
	logger  zerolog.Logger
}

func NewCorrelator(log repo.CorrelationRepo, window int, maxSkew time.Duration, logger zerolog.Logger) *Correlator {
	if window <= 0 {
		window = DefaultCorrelatorWindow
	}
	if maxSkew <= 0 {
		maxSkew = DefaultCorrelatorMaxSkew
	}
	return &Correlator{
		log:     log,
		window:  window,
		maxSkew: maxSkew,
		logger:  logger.With().Str("component", "correlator").Logger(),
	}
}

// Match returns the request id of the best scoring publish request, or "".
// The amount must match exactly and the request must fall within maxSkew of
// q.At. Ties keep the most recent entry.
func (c *Correlator) Match(ctx context.Context, q CorrelationQuery) (string, error) {
	if q.AmountCents <= 0 {
		return "", nil
	}
	entries, err := c.log.Recent(ctx, domain.PhaseRequest, c.window)
	if err != nil {
		return "", fmt.Errorf("loading recent publish requests: %w", err)
	}

	bestID, bestScore := "", -1.0
	for _, e := range entries {
		if e.RequestID == "" || e.AmountCents != q.AmountCents {
			continue
		}
		diff := q.At.Sub(e.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > c.maxSkew {
			continue
		}

		score := scoreAmountMatch
		if q.TerminalID != "" && e.TerminalID == q.TerminalID {
			score += scoreTerminalMatch
		}
		if q.InvoiceHint != "" && e.InvoiceHint == q.InvoiceHint {
			score += scoreInvoiceMatch
		}
		score += (c.maxSkew - diff).Minutes()

		if score > bestScore {
			bestID, bestScore = e.RequestID, score
		}
	}

	if bestID != "" {
		c.logger.Debug().
			Str("request_id", bestID).
			Int64("amount_cents", q.AmountCents).
			Float64("score", bestScore).
			Msg("correlated notification")
	}
	return bestID, nil
}
