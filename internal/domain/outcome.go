package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// IsApprovedState matches the gateway's approval spellings.
func IsApprovedState(state string) bool {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "APPROVED", "AUTHCAPTURE", "0":
		return true
	}
	return false
}

func IsDeclinedState(state string) bool {
	s := strings.ToUpper(strings.TrimSpace(state))
	return s == "2" || strings.Contains(s, "DECLIN")
}

// StatusFromState never guesses: anything unrecognized stays pending.
func StatusFromState(state string) SessionStatus {
	switch {
	case IsApprovedState(state):
		return SessionApproved
	case IsDeclinedState(state):
		return SessionDeclined
	default:
		return SessionPending
	}
}

// Outcome is the last known answer for a charge as reported to the clerk UI.
type Outcome struct {
	OK        bool            `json:"ok"`
	Found     bool            `json:"found"`
	Approved  bool            `json:"approved"`
	State     string          `json:"state"`
	Amount    decimal.Decimal `json:"amount"`
	Total     decimal.Decimal `json:"total"`
	Fee       decimal.Decimal `json:"fee"`
	Waiting   bool            `json:"waiting,omitempty"`
	TxnID     string          `json:"txnId,omitempty"`
	EpiID     string          `json:"epiId,omitempty"`
	Invoice   string          `json:"invoice,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func NewOutcome(state string, amountCents, totalCents int64) Outcome {
	if totalCents == 0 {
		totalCents = amountCents
	}
	status := StatusFromState(state)
	return Outcome{
		OK:       true,
		Found:    status.Resolved(),
		Approved: status == SessionApproved,
		State:    strings.ToUpper(state),
		Amount:   Dollars(amountCents),
		Total:    Dollars(totalCents),
		Fee:      FeeDollars(amountCents, totalCents),
	}
}

// WaitingOutcome tells the caller to keep polling.
func WaitingOutcome() Outcome {
	return Outcome{OK: true, Waiting: true}
}

func FailedOutcome(msg string) Outcome {
	return Outcome{OK: false, Error: msg}
}
