// Package relay is the public edge for gateway webhooks. It acknowledges
// immediately and forwards the body to the reconciliation service in the
// background, so the gateway never waits on reconciliation.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxBody = 1 << 20

// Ack is the body of every relay response.
type Ack struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Hook    string `json:"hook"`
	TS      string `json:"ts"`
}

type Relay struct {
	router  *gin.Engine
	fwd     *Forwarder
	service string
	base    context.Context
	wg      sync.WaitGroup
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds a relay whose background forwards stop when base is done.
func New(base context.Context, fwd *Forwarder, service string, logger zerolog.Logger) *Relay {
	r := &Relay{
		router:  gin.New(),
		fwd:     fwd,
		service: service,
		base:    base,
		logger:  logger.With().Str("component", "relay").Logger(),
		now:     time.Now,
	}
	r.router.Use(gin.Recovery())
	r.router.Any("/*path", r.handle)
	return r
}

func (r *Relay) Handler() http.Handler {
	return r.router
}

func (r *Relay) ack(c *gin.Context) {
	c.JSON(http.StatusOK, Ack{OK: true, Service: r.service, Hook: "valor", TS: r.now().UTC().Format(time.RFC3339)})
}

// handle answers every path and method. Only POST bodies are forwarded.
func (r *Relay) handle(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		r.ack(c)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		r.logger.Warn().Err(err).Msg("reading webhook body")
		r.ack(c)
		return
	}
	header := map[string]string{}
	if v := c.GetHeader("X-Webhook-Secret"); v != "" {
		header["X-Webhook-Secret"] = v
	}
	// The gateway may only be able to carry the shared secret as ?secret=.
	query := c.Request.URL.Query()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.fwd.Forward(r.base, body, header, query); err != nil {
			r.logger.Error().Err(err).Int("bytes", len(body)).Msg("webhook forward gave up")
		}
	}()
	r.ack(c)
}

// Wait blocks until every background forward has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Run serves on addr until ctx is done, then drains in-flight forwards.
func (r *Relay) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info().Str("addr", addr).Str("target", r.fwd.target).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	r.Wait()
	return err
}
