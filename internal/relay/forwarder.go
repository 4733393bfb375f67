package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"terminal-recon/internal/metrics"
)

var ErrUndelivered = errors.New("webhook not delivered")

// Forwarder posts a webhook body to the reconciliation service, waiting
// delays[i] before attempt i.
type Forwarder struct {
	client  *resty.Client
	target  string
	delays  []time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewForwarder(target string, delays []time.Duration, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Forwarder {
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		client:  resty.New().SetTimeout(timeout),
		target:  target,
		delays:  delays,
		metrics: m,
		logger:  logger.With().Str("component", "forwarder").Logger(),
	}
}

// Forward returns nil on the first 2xx answer. header values and query
// parameters are copied onto every attempt; query is added to whatever query
// the target URL already carries.
func (f *Forwarder) Forward(ctx context.Context, body []byte, header map[string]string, query url.Values) error {
	var lastErr error
	for attempt, delay := range f.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				f.metrics.ObserveRelay("cancelled")
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := f.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeaders(header).
			SetQueryParamsFromValues(query).
			SetBody(body).
			Post(f.target)
		switch {
		case err != nil:
			lastErr = err
		case resp.IsSuccess():
			f.metrics.ObserveRelay("delivered")
			f.logger.Debug().Int("attempt", attempt+1).Msg("webhook forwarded")
			return nil
		default:
			lastErr = fmt.Errorf("target answered HTTP %d", resp.StatusCode())
		}
		f.metrics.ObserveRelay("retry")
		f.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("forward attempt failed")
	}

	f.metrics.ObserveRelay("failed")
	return fmt.Errorf("%w after %d attempts: %v", ErrUndelivered, len(f.delays), lastErr)
}
