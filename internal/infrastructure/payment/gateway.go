package payment

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
)

var (
	// ErrConfig marks missing credentials or a malformed endpoint.
	ErrConfig = errors.New("gateway configuration error")

	// ErrGatewayUnreachable is the retryable network failure on publish or status.
	ErrGatewayUnreachable = errors.New("gateway unreachable")

	ErrNotAccepted = errors.New("gateway did not accept publish")
)

// PublishRequest is one card-present charge to push to a terminal.
type PublishRequest struct {
	RequestID   string
	AmountCents int64
	Invoice     string
	LineItems   json.RawMessage
}

// PreparedPublish is a validated, ready to send publish call. Masked is the
// audit copy of Body with credentials hidden.
type PreparedPublish struct {
	URL         string
	RequestID   string
	AmountCents int64
	Invoice     string
	TerminalID  string
	Body        []byte
	Masked      json.RawMessage
}

type PublishResponse struct {
	HTTPStatus int
	Body       []byte
	Accepted   bool
}

type StatusResponse struct {
	HTTPStatus  int
	State       string
	AmountCents int64
	TotalCents  int64
	Raw         []byte
}

func (r *StatusResponse) OK() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// Gateway is the terminal vendor's cloud API.
type Gateway interface {
	// PreparePublish validates configuration and builds the wire body. It
	// performs no I/O so callers can audit the request before sending it.
	PreparePublish(req PublishRequest) (*PreparedPublish, error)
	Publish(ctx context.Context, p *PreparedPublish) (*PublishResponse, error)
	Status(ctx context.Context, requestID string) (*StatusResponse, error)
}

var (
	errorAckRe   = regexp.MustCompile(`(?i)error|invalid|denied|not\s*found|unauthor`)
	timeoutAckRe = regexp.MustCompile(`(?i)vc07|transaction\s*timeout`)
)

// Accepted classifies a publish acknowledgement. A 2xx without error wording
// is accepted. The vendor's transaction timeout code is also accepted since
// the terminal may still complete the charge.
func Accepted(httpStatus int, body []byte) bool {
	if httpStatus >= 200 && httpStatus < 300 && !errorAckRe.Match(body) {
		return true
	}
	return timeoutAckRe.Match(body)
}
