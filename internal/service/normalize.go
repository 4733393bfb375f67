package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"terminal-recon/internal/domain"
)

// Source field spellings per normalized field, in priority order.
var (
	invoiceKeys  = []string{"invoicenumber", "INVOICENUMBER", "invoice", "invoice_number", "invoice_no"}
	attemptKeys  = []string{"attempt", "ATTEMPT"}
	amountKeys   = []string{"amount", "AMOUNT"}
	totalKeys    = []string{"total_amount", "TOTAL_AMOUNT", "totalAmount"}
	terminalKeys = []string{"epi_id", "epi", "EPI", "EPI_ID"}
	stateKeys    = []string{"STAT", "status", "STATE", "state", "STATUS"}
	requestKeys  = []string{"req_txn_id", "REQ_TXN_ID", "reqTxnId", "requestId"}
	txnKeys      = []string{"txn_id", "TXN_ID", "txnId"}
	noteKeys     = []string{"display_message", "approval_code", "NOTE", "message", "ERROR_MSG"}
	rcKeys       = []string{"response_code", "RESPONSE_CODE"}
	hostRespKeys = []string{"host_response", "HOST_RESPONSE"}
	dateKeys     = []string{"response_date", "request_date"}
	clockKeys    = []string{"response_time", "request_time"}
	nestedKeys   = []string{"reference_descriptive_data", "reference"}
)

var notifiedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"01-02-2006 15:04:05",
}

// Normalizer turns any known gateway notification shape into a Notification.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer interprets zone-less gateway timestamps in loc (UTC if nil).
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Normalize never fails to return a Notification. The error reports an
// unparseable body; the returned value then only carries receivedAt.
func (n *Normalizer) Normalize(raw []byte, receivedAt time.Time) (domain.Notification, error) {
	out := domain.Notification{NotifiedAt: receivedAt}

	// Numbers stay json.Number so "13.00" keeps the decimal point that marks dollars.
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return out, fmt.Errorf("decoding notification: %w", err)
	}
	if body == nil {
		return out, fmt.Errorf("decoding notification: body is not an object")
	}

	data, _ := body["data"].(map[string]any)
	var nested map[string]any
	for _, scope := range []map[string]any{data, body} {
		for _, k := range nestedKeys {
			if m, ok := scope[k].(map[string]any); ok && nested == nil {
				nested = m
			}
		}
	}

	// The envelope carries the invoice first; payment figures live in data.
	invoiceScopes := []map[string]any{body, data, nested}
	fieldScopes := []map[string]any{data, body, nested}

	out.Invoice = domain.NormalizeInvoice(lookupString(invoiceScopes, invoiceKeys))
	out.Attempt = strings.TrimSpace(lookupString(invoiceScopes, attemptKeys))
	out.AmountCents = lookupCents(fieldScopes, amountKeys)
	out.TotalCents = lookupCents(fieldScopes, totalKeys)
	if out.TotalCents == 0 {
		out.TotalCents = out.AmountCents
	}
	out.TerminalID = strings.TrimSpace(lookupString(fieldScopes, terminalKeys))
	out.RequestID = strings.TrimSpace(lookupString(fieldScopes, requestKeys))
	out.TxnID = strings.TrimSpace(lookupString(fieldScopes, txnKeys))
	out.Note = lookupString(fieldScopes, noteKeys)

	state := strings.ToUpper(strings.TrimSpace(lookupString(fieldScopes, stateKeys)))
	if state == "" {
		rc := strings.TrimSpace(lookupString(fieldScopes, rcKeys))
		hr := strings.ToUpper(strings.TrimSpace(lookupString(fieldScopes, hostRespKeys)))
		if rc == "00" || hr == "APPROVAL" {
			state = "APPROVED"
		}
	}
	out.State = state
	out.Approved = domain.IsApprovedState(state)
	out.Declined = !out.Approved && domain.IsDeclinedState(state)

	if at, ok := n.notifiedAt(fieldScopes); ok {
		out.NotifiedAt = at
	}
	return out, nil
}

func (n *Normalizer) notifiedAt(scopes []map[string]any) (time.Time, bool) {
	ds := strings.TrimSpace(lookupString(scopes, dateKeys))
	ts := strings.TrimSpace(lookupString(scopes, clockKeys))
	if ds == "" && ts == "" {
		return time.Time{}, false
	}
	value := strings.TrimSpace(strings.Replace(ds+" "+ts, "T", " ", 1))
	if t, err := time.Parse(time.RFC3339, ds); err == nil && ts == "" {
		return t, true
	}
	for _, layout := range notifiedLayouts {
		if t, err := time.ParseInLocation(layout, value, n.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func lookup(scopes []map[string]any, keys []string) (any, bool) {
	for _, scope := range scopes {
		if scope == nil {
			continue
		}
		for _, k := range keys {
			v, ok := scope[k]
			if !ok || v == nil {
				continue
			}
			if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func lookupString(scopes []map[string]any, keys []string) string {
	v, ok := lookup(scopes, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

// lookupCents reads integer cents. A value written with a decimal point or
// a leading "$" is dollars, whatever its magnitude.
func lookupCents(scopes []map[string]any, keys []string) int64 {
	v, ok := lookup(scopes, keys)
	if !ok {
		return 0
	}
	var text string
	switch t := v.(type) {
	case json.Number:
		text = t.String()
	case string:
		text = t
	default:
		return 0
	}
	text = strings.TrimSpace(text)
	dollars := strings.HasPrefix(text, "$") || strings.Contains(text, ".")
	d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimPrefix(text, "$")))
	if err != nil {
		return 0
	}
	if dollars {
		d = d.Shift(2)
	}
	if d.IsNegative() {
		return 0
	}
	return d.Round(0).IntPart()
}
