package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGateway_PhantomCharge(t *testing.T) {
	g := NewMockGateway(WithFixedOutcome(MockPhantom))
	ctx := context.Background()

	p, err := g.PreparePublish(PublishRequest{RequestID: "req-phantom-1", AmountCents: 1299, Invoice: "INV-1"})
	require.NoError(t, err)

	_, err = g.Publish(ctx, p)
	assert.ErrorIs(t, err, ErrGatewayUnreachable)
	assert.True(t, g.Charged("req-phantom-1"), "the terminal took the money anyway")

	st, err := g.Status(ctx, "req-phantom-1")
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", st.State)
	assert.Equal(t, 1, g.StatusCalls())

	body, ok := g.WebhookBody("req-phantom-1", false)
	require.True(t, ok)
	assert.NotContains(t, string(body), "invoicenumber")
}

func TestMockGateway_DuplicatePublish(t *testing.T) {
	g := NewMockGateway(WithFixedOutcome(MockDecline))
	ctx := context.Background()
	p, err := g.PreparePublish(PublishRequest{RequestID: "req-2", AmountCents: 100, Invoice: "INV-2"})
	require.NoError(t, err)

	_, err = g.Publish(ctx, p)
	require.NoError(t, err)
	resp, err := g.Publish(ctx, p)
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "duplicate")
	assert.Equal(t, 2, g.PublishCalls())
	assert.False(t, g.Charged("req-2"))
}

func TestMockGateway_PendingAndErrors(t *testing.T) {
	ctx := context.Background()
	g := NewMockGateway(WithFixedOutcome(MockPending))
	p, err := g.PreparePublish(PublishRequest{RequestID: "req-3", AmountCents: 100})
	require.NoError(t, err)
	_, err = g.Publish(ctx, p)
	require.NoError(t, err)

	_, ok := g.WebhookBody("req-3", true)
	assert.False(t, ok)

	st, err := g.Status(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "NOT FOUND", st.State)

	_, err = NewMockGateway(WithStatusError(errors.New("VC09"))).Status(ctx, "req-3")
	assert.ErrorIs(t, err, ErrGatewayUnreachable)

	_, err = g.PreparePublish(PublishRequest{})
	assert.ErrorIs(t, err, ErrConfig)
}
