package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionDeclined SessionStatus = "declined"
)

// Resolved reports whether the gateway has given a final answer.
func (s SessionStatus) Resolved() bool {
	return s == SessionApproved || s == SessionDeclined
}

const (
	DefaultAttempt = "A1"
	MaxInvoiceLen  = 24
)

var (
	ErrInvalidKey         = errors.New("invoice is required")
	ErrSaleIDImmutable    = errors.New("session sale id is already set")
	ErrStartedAtImmutable = errors.New("session start time cannot change")
	ErrAmountImmutable    = errors.New("session amount cannot change once set")
)

// NormalizeInvoice trims the invoice and cuts it to the gateway's 24 character limit.
func NormalizeInvoice(invoice string) string {
	invoice = strings.TrimSpace(invoice)
	r := []rune(invoice)
	if len(r) > MaxInvoiceLen {
		return string(r[:MaxInvoiceLen])
	}
	return invoice
}

// Key identifies one charge attempt for an invoice.
type Key struct {
	Invoice string
	Attempt string
}

func NewKey(invoice, attempt string) Key {
	attempt = strings.TrimSpace(attempt)
	if attempt == "" {
		attempt = DefaultAttempt
	}
	return Key{Invoice: NormalizeInvoice(invoice), Attempt: attempt}
}

func (k Key) String() string {
	return k.Invoice + "|" + k.Attempt
}

func (k Key) Validate() error {
	if k.Invoice == "" {
		return ErrInvalidKey
	}
	return nil
}

type Session struct {
	Key
	RequestID    string
	AmountCents  int64
	Status       SessionStatus
	StartedAt    time.Time
	LastSeenAt   time.Time
	SaleID       string
	LastWebhook  json.RawMessage
	CartSnapshot json.RawMessage
	Version      int64
}

// NewSession returns the initial state recorded the first time a key is touched.
func NewSession(key Key, now time.Time) *Session {
	return &Session{
		Key:        key,
		Status:     SessionPending,
		StartedAt:  now,
		LastSeenAt: now,
	}
}

func (s *Session) Finalized() bool {
	return s.SaleID != ""
}

// Resolve moves the session to status. A pending signal never downgrades a
// session that already holds an approved or declined answer.
func (s *Session) Resolve(status SessionStatus) {
	if status == SessionPending && s.Status.Resolved() {
		return
	}
	s.Status = status
}

// CheckTransition validates next against the stored prev state.
func CheckTransition(prev, next *Session) error {
	if prev.Key != next.Key {
		return ErrInvalidKey
	}
	if prev.SaleID != "" && next.SaleID != prev.SaleID {
		return ErrSaleIDImmutable
	}
	if !prev.StartedAt.IsZero() && !next.StartedAt.Equal(prev.StartedAt) {
		return ErrStartedAtImmutable
	}
	if prev.AmountCents != 0 && next.AmountCents != prev.AmountCents {
		return ErrAmountImmutable
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (s *Session) Clone() *Session {
	c := *s
	c.LastWebhook = append(json.RawMessage(nil), s.LastWebhook...)
	c.CartSnapshot = append(json.RawMessage(nil), s.CartSnapshot...)
	return &c
}
