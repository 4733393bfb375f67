package domain

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

const FinalizedByManual = "manual"

// PaymentMeta is the terminal payment envelope stored on a sale.
type PaymentMeta struct {
	Invoice     string           `json:"invoice"`
	Attempt     string           `json:"attempt"`
	Status      SessionStatus    `json:"status"`
	Pending     bool             `json:"pending"`
	FinalizedBy string           `json:"finalizedBy,omitempty"`
	Brand       string           `json:"brand,omitempty"`
	Last4       string           `json:"last4,omitempty"`
	Auth        string           `json:"auth,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
	Fee         *decimal.Decimal `json:"fee,omitempty"`
	TxnID       string           `json:"txnId,omitempty"`
	EpiID       string           `json:"epiId,omitempty"`
}

// PaymentPatch carries the gateway's finalized figures for an existing sale.
type PaymentPatch struct {
	Status      SessionStatus
	AmountCents int64
	TotalCents  int64
	TxnID       string
	EpiID       string
	FinalizedBy string
}

// Fields renders the patch as the JSON members it overwrites. Empty ids keep
// whatever the sale already had.
func (p PaymentPatch) Fields() map[string]any {
	amount, total, fee := Dollars(p.AmountCents), Dollars(p.TotalCents), FeeDollars(p.AmountCents, p.TotalCents)
	f := map[string]any{
		"status":  p.Status,
		"pending": !p.Status.Resolved(),
		"amount":  amount,
		"total":   total,
		"fee":     fee,
	}
	if p.TxnID != "" {
		f["txnId"] = p.TxnID
	}
	if p.EpiID != "" {
		f["epiId"] = p.EpiID
	}
	if p.FinalizedBy != "" {
		f["finalizedBy"] = p.FinalizedBy
	}
	return f
}

// Apply merges the patch into m the same way a JSONB concatenation would.
func (m PaymentMeta) Apply(p PaymentPatch) (PaymentMeta, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return m, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return m, err
	}
	maps.Copy(doc, p.Fields())
	raw, err = json.Marshal(doc)
	if err != nil {
		return m, err
	}
	var out PaymentMeta
	if err := json.Unmarshal(raw, &out); err != nil {
		return m, err
	}
	return out, nil
}

type Sale struct {
	ID        string
	Key       Key
	Cart      json.RawMessage
	Payment   PaymentMeta
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Dollars converts integer cents to a two place decimal amount.
func Dollars(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FeeDollars is total minus amount, floored at zero.
func FeeDollars(amountCents, totalCents int64) decimal.Decimal {
	if totalCents <= amountCents {
		return decimal.Zero
	}
	return Dollars(totalCents - amountCents)
}
