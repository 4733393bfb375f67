package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CorrelationPhase string

const (
	PhaseRequest      CorrelationPhase = "request"
	PhaseResponse     CorrelationPhase = "response"
	PhaseNetworkError CorrelationPhase = "network-error"
)

// CorrelationEntry is one immutable row of the outbound charge log.
// Payload holds the request body with credentials masked.
type CorrelationEntry struct {
	ID          uuid.UUID
	Phase       CorrelationPhase
	RequestID   string
	AmountCents int64
	TerminalID  string
	InvoiceHint string
	URL         string
	HTTPStatus  string
	Ack         string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

const maxAckLen = 2000

// TruncateAck bounds stored gateway acknowledgements.
func TruncateAck(s string) string {
	if len(s) > maxAckLen {
		return s[:maxAckLen]
	}
	return s
}
