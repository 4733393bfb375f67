package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"terminal-recon/internal/domain"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/service"
)

const (
	maxWebhookBody      = 1 << 20
	webhookSecretHeader = "X-Webhook-Secret"
)

func (s *Server) handleCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request: " + err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	res, err := s.svc.Publisher.Publish(c.Request.Context(), req)
	switch {
	case errors.Is(err, service.ErrInvalidCharge):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, payment.ErrConfig):
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, payment.ErrGatewayUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "retryable": true, "error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
	case !res.Accepted:
		c.JSON(http.StatusBadGateway, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

// handleWebhook always answers 200 so the gateway never retries because of
// a local failure.
func (s *Server) handleWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, service.WebhookAck{OK: false, Error: "reading body: " + err.Error()})
		return
	}
	if !s.webhookAuthorized(c) {
		c.JSON(http.StatusOK, s.svc.Webhooks.RecordRejected(c.Request.Context(), raw, "secret mismatch"))
		return
	}
	c.JSON(http.StatusOK, s.svc.Webhooks.Receive(c.Request.Context(), raw))
}

func (s *Server) handleWebhookBySource(c *gin.Context) {
	if c.Query("source") != "valor" {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown webhook source"})
		return
	}
	s.handleWebhook(c)
}

func (s *Server) webhookAuthorized(c *gin.Context) bool {
	if s.opts.WebhookSecret == "" {
		return true
	}
	got := c.GetHeader(webhookSecretHeader)
	if got == "" {
		got = c.Query("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) == 1
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	if id := c.Query("requestId"); id != "" {
		c.JSON(http.StatusOK, s.svc.Poller.ByRequestID(ctx, id))
		return
	}
	if invoice := c.Query("invoice"); invoice != "" {
		c.JSON(http.StatusOK, s.svc.Poller.ByInvoice(ctx, invoice))
		return
	}
	c.JSON(http.StatusBadRequest, domain.FailedOutcome("requestId or invoice is required"))
}

func (s *Server) handleFinalize(c *gin.Context) {
	var req service.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request: " + err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	res, err := s.svc.Finalizer.Finalize(c.Request.Context(), req)
	if errors.Is(err, domain.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleLeg(c *gin.Context) {
	res, err := s.svc.Finalizer.Leg(c.Request.Context(), c.Param("invoice"), c.Query("attempt"))
	if errors.Is(err, domain.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSweep(c *gin.Context) {
	if s.svc.Sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "sweep not configured"})
		return
	}
	report, err := s.svc.Sweeper.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "report": report})
}

func (s *Server) handleDiag(c *gin.Context) {
	if s.svc.Diagnoser == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "gateway": "mock"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "gateway": s.svc.Diagnoser.Diagnostics()})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.svc.DB == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up", "store": "memory"})
		return
	}
	stats := s.svc.DB.Health(c.Request.Context())
	code := http.StatusOK
	if stats["status"] != "up" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, stats)
}
