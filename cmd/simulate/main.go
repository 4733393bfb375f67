package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"terminal-recon/internal/app"
	"terminal-recon/internal/config"
	"terminal-recon/internal/domain"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/service"
)

const charges = 20

func main() {
	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cfg := &config.Config{
		Database: config.DatabaseConfig{Memory: true},
		Gateway:  config.GatewayConfig{Mock: true},
		Log:      config.LogConfig{Level: "warn"},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	gw := payment.NewMockGateway(payment.WithOutcome(payment.RandomOutcome))
	a, err := app.New(ctx, cfg, zerolog.Nop(), app.WithGateway(gw))
	if err != nil {
		logger.Fatal().Err(err).Msg("building app")
	}
	defer a.Close()

	logger.Info().Int("charges", charges).Msg("starting simulation")

	var phantoms, recovered int
	for i := 1; i <= charges; i++ {
		invoice := fmt.Sprintf("INV-%04d", i)
		res, err := a.Publisher.Publish(ctx, service.CheckoutRequest{
			AmountCents: int64(500 + i*137),
			Invoice:     invoice,
		})
		ev := logger.Info().Str("invoice", invoice)
		if err != nil {
			ev = logger.Warn().Str("invoice", invoice).Err(err)
		}
		ev.Bool("accepted", res != nil && res.Accepted).Msg("checkout")

		requestID := ""
		if res != nil {
			requestID = res.RequestID
		} else if last, lerr := a.Correlations.Recent(ctx, domain.PhaseRequest, 1); lerr == nil && len(last) == 1 {
			// The clerk never saw a request id; the audit log did.
			requestID = last[0].RequestID
		}
		if requestID == "" {
			continue
		}

		// Phantom charges lose the publish response, so the gateway's
		// webhook arrives without an invoice and must be correlated.
		phantom := err != nil && gw.Charged(requestID)
		if phantom {
			phantoms++
		}
		deliver(ctx, logger, a, gw, requestID, !phantom)
		if i%4 == 0 {
			// Duplicate delivery must not change anything.
			deliver(ctx, logger, a, gw, requestID, !phantom)
		}

		outcome := a.Poller.ByInvoice(ctx, invoice)
		logger.Info().
			Str("invoice", invoice).
			Str("state", outcome.State).
			Bool("approved", outcome.Approved).
			Bool("waiting", outcome.Waiting).
			Msg("clerk poll")
		if !outcome.Approved {
			continue
		}

		fin, err := a.Finalizer.Finalize(ctx, service.FinalizeRequest{
			Invoice:      invoice,
			CartSnapshot: []byte(`[{"sku":"SIM-1","qty":1}]`),
			Brand:        "VISA",
			Last4:        "4242",
		})
		if err != nil {
			logger.Error().Err(err).Str("invoice", invoice).Msg("finalize failed")
			continue
		}
		if phantom {
			recovered++
		}
		logger.Info().Str("invoice", invoice).Str("sale_id", fin.SaleID).Msg("sale recorded")

		// A second register tapping finalize gets the same sale back.
		again, err := a.Finalizer.Finalize(ctx, service.FinalizeRequest{Invoice: invoice})
		if err == nil && (!again.AlreadyFinalized || again.SaleID != fin.SaleID) {
			logger.Error().Str("invoice", invoice).Msg("duplicate sale recorded")
		}
	}

	report, err := a.Sweeper.RunOnce(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweep failed")
	}
	logger.Info().
		Int("phantoms", phantoms).
		Int("phantoms_recovered", recovered).
		Int("sweep_fixed", report.Fixed).
		Int("sweep_unresolved", report.Unresolved).
		Int("publish_calls", gw.PublishCalls()).
		Msg("simulation finished")
}

func deliver(ctx context.Context, logger zerolog.Logger, a *app.App, gw *payment.MockGateway, requestID string, withInvoice bool) {
	body, ok := gw.WebhookBody(requestID, withInvoice)
	if !ok {
		return
	}
	ack := a.Receiver.Receive(ctx, body)
	logger.Debug().
		Str("request_id", requestID).
		Bool("reconciled", ack.Reconciled).
		Bool("approved", ack.Approved).
		Str("sale_id", ack.SaleID).
		Msg("webhook")
}
