package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/repo"
)

type FinalizeRequest struct {
	Invoice      string          `json:"invoice" validate:"required"`
	Attempt      string          `json:"attempt"`
	CartSnapshot json.RawMessage `json:"cartSnapshot"`
	Brand        string          `json:"brand,omitempty"`
	Last4        string          `json:"last4,omitempty" validate:"omitempty,len=4,numeric"`
	Auth         string          `json:"auth,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	AmountCents  int64           `json:"amountCents,omitempty" validate:"gte=0"`
}

type FinalizeResult struct {
	OK               bool                 `json:"ok"`
	SaleID           string               `json:"saleId"`
	AlreadyFinalized bool                 `json:"alreadyFinalized,omitempty"`
	Status           domain.SessionStatus `json:"status"`
	Pending          bool                 `json:"pending"`
}

// Finalizer is the only path that creates a sale.
type Finalizer struct {
	sessions repo.SessionRepo
	ledger   repo.SaleLedger
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewFinalizer(sessions repo.SessionRepo, ledger repo.SaleLedger, m *metrics.Metrics, logger zerolog.Logger) *Finalizer {
	return &Finalizer{
		sessions: sessions,
		ledger:   ledger,
		metrics:  m,
		logger:   logger.With().Str("component", "finalizer").Logger(),
	}
}

// Finalize records the sale for (invoice, attempt) at most once. Repeat calls
// return the existing sale id with AlreadyFinalized set.
func (f *Finalizer) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	key := domain.NewKey(req.Invoice, req.Attempt)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	existing, err := f.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}
	if existing != nil && existing.Finalized() {
		f.metrics.ObserveFinalize(true)
		return alreadyFinalized(existing), nil
	}

	var prior *domain.Session
	sess, err := f.sessions.UpdateWithLedger(ctx, key, f.ledger, func(s *domain.Session, sales repo.SaleLedger) error {
		if s.Finalized() {
			prior = s
			return repo.ErrSkipUpdate
		}

		status := domain.SessionPending
		if s.Status == domain.SessionApproved {
			status = domain.SessionApproved
		}
		meta := domain.PaymentMeta{
			Invoice:     key.Invoice,
			Attempt:     key.Attempt,
			Status:      status,
			Pending:     status != domain.SessionApproved,
			FinalizedBy: domain.FinalizedByManual,
			Brand:       req.Brand,
			Last4:       req.Last4,
			Auth:        req.Auth,
		}
		amount := s.AmountCents
		if amount == 0 {
			amount = req.AmountCents
		}
		if amount > 0 {
			d := domain.Dollars(amount)
			meta.Amount = &d
		}

		saleID, err := sales.AppendSale(ctx, key, req.CartSnapshot, meta)
		if err != nil {
			return fmt.Errorf("appending sale: %w", err)
		}
		s.SaleID = saleID
		if len(req.CartSnapshot) > 0 {
			s.CartSnapshot = req.CartSnapshot
		}
		if s.RequestID == "" {
			s.RequestID = req.RequestID
		}
		if s.AmountCents == 0 {
			s.AmountCents = req.AmountCents
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalizing %s: %w", key, err)
	}
	if prior != nil {
		f.metrics.ObserveFinalize(true)
		return alreadyFinalized(prior), nil
	}

	f.metrics.ObserveFinalize(false)
	f.logger.Info().
		Str("invoice", key.Invoice).
		Str("attempt", key.Attempt).
		Str("sale_id", sess.SaleID).
		Str("status", string(sess.Status)).
		Msg("sale recorded")
	return &FinalizeResult{
		OK:      true,
		SaleID:  sess.SaleID,
		Status:  sess.Status,
		Pending: sess.Status != domain.SessionApproved,
	}, nil
}

func alreadyFinalized(s *domain.Session) *FinalizeResult {
	return &FinalizeResult{
		OK:               true,
		SaleID:           s.SaleID,
		AlreadyFinalized: true,
		Status:           s.Status,
		Pending:          s.Status != domain.SessionApproved,
	}
}

// LegResult describes one terminal leg of a split-tender sale.
type LegResult struct {
	OK          bool                 `json:"ok"`
	Status      domain.SessionStatus `json:"status"`
	Declined    bool                 `json:"declined,omitempty"`
	RequestID   string               `json:"requestId,omitempty"`
	AmountCents int64                `json:"amountCents,omitempty"`
	SaleID      string               `json:"saleId,omitempty"`
}

// Leg reports whether a leg is approved without creating a sale.
func (f *Finalizer) Leg(ctx context.Context, invoice, attempt string) (*LegResult, error) {
	key := domain.NewKey(invoice, attempt)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sess, err := f.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}
	if sess == nil {
		return &LegResult{OK: false, Status: domain.SessionPending}, nil
	}
	if sess.Status != domain.SessionApproved {
		return &LegResult{OK: false, Status: sess.Status, Declined: sess.Status == domain.SessionDeclined}, nil
	}
	return &LegResult{
		OK:          true,
		Status:      sess.Status,
		RequestID:   sess.RequestID,
		AmountCents: sess.AmountCents,
		SaleID:      sess.SaleID,
	}, nil
}
