package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-recon/internal/domain"
)

// Charge, approval webhook, clerk finalize, then a duplicate delivery.
func TestScenario_ApprovedChargeWithDuplicateWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pub, err := h.publisher.Publish(ctx, CheckoutRequest{AmountCents: 1299, Invoice: "INV-0007"})
	require.NoError(t, err)
	require.True(t, pub.Accepted)

	ack := h.receiver.Receive(ctx, []byte(approvedINV7))
	require.True(t, ack.WaitingForManualFinalize)

	sess := h.session(t, "INV-0007")
	assert.Equal(t, domain.SessionApproved, sess.Status)
	assert.Empty(t, sess.SaleID)
	assert.Zero(t, h.ledger.Created())

	fin, err := h.finalizer.Finalize(ctx, FinalizeRequest{Invoice: "INV-0007", Attempt: domain.DefaultAttempt})
	require.NoError(t, err)
	require.False(t, fin.AlreadyFinalized)
	assert.False(t, fin.Pending)

	dup := h.receiver.Receive(ctx, []byte(approvedINV7))
	assert.True(t, dup.Reconciled)
	assert.Equal(t, fin.SaleID, dup.SaleID)

	assert.Equal(t, 1, h.ledger.Created())
	assert.Equal(t, fin.SaleID, h.session(t, "INV-0007").SaleID)
	assert.Equal(t, 2, h.webhooks.Len())

	sale, err := h.ledger.FindByID(ctx, fin.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionApproved, sale.Payment.Status)
	assert.Equal(t, "12.99", sale.Payment.Amount.StringFixed(2))
}
