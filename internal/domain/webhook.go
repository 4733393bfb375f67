package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification is the fixed internal shape every inbound webhook body is
// normalized into.
type Notification struct {
	AmountCents int64
	TotalCents  int64
	TerminalID  string
	State       string
	Invoice     string
	Attempt     string
	RequestID   string
	TxnID       string
	Note        string
	NotifiedAt  time.Time
	Approved    bool
	Declined    bool
}

func (n Notification) Status() SessionStatus {
	switch {
	case n.Approved:
		return SessionApproved
	case n.Declined:
		return SessionDeclined
	default:
		return SessionPending
	}
}

// Patch converts the notification into the payment figures written onto a sale.
func (n Notification) Patch() PaymentPatch {
	return PaymentPatch{
		Status:      n.Status(),
		AmountCents: n.AmountCents,
		TotalCents:  n.TotalCents,
		TxnID:       n.TxnID,
		EpiID:       n.TerminalID,
	}
}

// WebhookEntry is one append-only audit row per received notification,
// written even when the body could not be parsed.
type WebhookEntry struct {
	ID          uuid.UUID
	ReceivedAt  time.Time
	NotifiedAt  time.Time
	RequestID   string
	State       string
	AmountCents int64
	TotalCents  int64
	Note        string
	Raw         string
	TxnID       string
	TerminalID  string
	Invoice     string
}

func NewWebhookEntry(n Notification, raw []byte, receivedAt time.Time) WebhookEntry {
	state := n.State
	switch {
	case n.Approved:
		state = "APPROVED"
	case n.Declined:
		state = "DECLINED"
	}
	return WebhookEntry{
		ID:          uuid.New(),
		ReceivedAt:  receivedAt,
		NotifiedAt:  n.NotifiedAt,
		RequestID:   n.RequestID,
		State:       strings.ToUpper(state),
		AmountCents: n.AmountCents,
		TotalCents:  n.TotalCents,
		Note:        n.Note,
		Raw:         string(raw),
		TxnID:       n.TxnID,
		TerminalID:  n.TerminalID,
		Invoice:     n.Invoice,
	}
}

func (e WebhookEntry) Outcome() Outcome {
	o := NewOutcome(e.State, e.AmountCents, e.TotalCents)
	o.TxnID = e.TxnID
	o.EpiID = e.TerminalID
	o.Invoice = e.Invoice
	o.RequestID = e.RequestID
	return o
}

func (e WebhookEntry) Patch() PaymentPatch {
	return PaymentPatch{
		Status:      StatusFromState(e.State),
		AmountCents: e.AmountCents,
		TotalCents:  e.TotalCents,
		TxnID:       e.TxnID,
		EpiID:       e.TerminalID,
	}
}
