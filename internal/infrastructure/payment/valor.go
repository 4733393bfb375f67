package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	EnvUAT  = "uat"
	EnvProd = "prod"

	stagingBaseURL = "https://securelink-staging.valorpaytech.com"
	prodBaseURL    = "https://securelink.valorpaytech.com"
)

var (
	schemeRe      = regexp.MustCompile(`(?i)^https?://`)
	bareHostRe    = regexp.MustCompile(`(?i)^https?://[^/?#]+/?$`)
	trailSlashRe  = regexp.MustCompile(`(\?[^#]*?)/+$`)
	statusMarkRe  = regexp.MustCompile(`(?i)\?status\b`)
	statusTailRe  = regexp.MustCompile(`(?i)\?status\b.*`)
	txnStatusEnds = regexp.MustCompile(`(?i)\?txn_status=$`)
)

type ValorConfig struct {
	Env        string
	BaseURL    string
	PublishURL string
	ChannelID  string
	AppID      string
	AppKey     string
	EPI        string
	Timeout    time.Duration
}

func (c ValorConfig) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if strings.EqualFold(c.Env, EnvProd) {
		return prodBaseURL
	}
	return stagingBaseURL
}

// PublishEndpoint returns the publish URL. It must be http(s), carry a path
// and include the ?status marker.
func (c ValorConfig) PublishEndpoint() (string, error) {
	u := strings.TrimSpace(c.PublishURL)
	if u == "" {
		u = strings.TrimSpace(c.baseURL())
	}
	if !schemeRe.MatchString(u) {
		return "", fmt.Errorf("%w: publish url %q is not an http(s) url", ErrConfig, u)
	}
	if bareHostRe.MatchString(u) {
		return "", fmt.Errorf("%w: publish url must include the full publish path, e.g. https://securelink.valorpaytech.com:4430/?status", ErrConfig)
	}
	u = trailSlashRe.ReplaceAllString(u, "$1")
	if !statusMarkRe.MatchString(u) {
		return "", fmt.Errorf("%w: publish url must include \"?status\"", ErrConfig)
	}
	return u, nil
}

// StatusEndpoint derives the status URL by replacing ?status and everything
// after it with ?txn_status=.
func (c ValorConfig) StatusEndpoint() (string, error) {
	pub, err := c.PublishEndpoint()
	if err != nil {
		return "", err
	}
	u := statusTailRe.ReplaceAllString(pub, "?txn_status=")
	if !txnStatusEnds.MatchString(u) {
		return "", fmt.Errorf("%w: could not derive status url from %q", ErrConfig, pub)
	}
	return u, nil
}

func (c ValorConfig) credentialsPresent() bool {
	return c.ChannelID != "" && c.AppID != "" && c.AppKey != "" && c.EPI != ""
}

// Diagnostics is a credential-free summary of the gateway configuration.
type Diagnostics struct {
	Env        string `json:"env"`
	BaseURL    string `json:"baseUrl"`
	PublishURL string `json:"publishUrl"`
	StatusURL  string `json:"statusUrl"`
	EPITail    string `json:"epiTail"`
	HaveIDs    bool   `json:"haveIds"`
}

func (c ValorConfig) Diagnostics() Diagnostics {
	d := Diagnostics{
		Env:        c.Env,
		BaseURL:    c.baseURL(),
		PublishURL: c.PublishURL,
		HaveIDs:    c.ChannelID != "" && c.AppID != "" && c.AppKey != "",
	}
	if d.PublishURL == "" {
		d.PublishURL = "(using base url)"
	}
	if u, err := c.StatusEndpoint(); err != nil {
		d.StatusURL = "(derive failed)"
	} else {
		d.StatusURL = u
	}
	if n := len(c.EPI); n > 4 {
		d.EPITail = c.EPI[n-4:]
	} else {
		d.EPITail = c.EPI
	}
	return d
}

// Mask hides all but the last keep characters. Values no longer than keep
// only reveal their final character.
func Mask(s string, keep int) string {
	if s == "" {
		return ""
	}
	if keep < 0 {
		keep = 0
	}
	r := []rune(s)
	if len(r) <= keep {
		return strings.Repeat("*", len(r)-1) + string(r[len(r)-1:])
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}

type publishPayload struct {
	TranMode  string `json:"TRAN_MODE"`
	TranCode  string `json:"TRAN_CODE"`
	Amount    string `json:"AMOUNT"`
	ReqTxnID  string `json:"REQ_TXN_ID"`
	InvoiceNo string `json:"INVOICENUMBER"`
}

type publishBody struct {
	AppID     string          `json:"appid"`
	AppKey    string          `json:"appkey"`
	EPI       string          `json:"epi"`
	TxnType   string          `json:"txn_type"`
	ChannelID string          `json:"channel_id"`
	Version   string          `json:"version"`
	InvoiceNo string          `json:"INVOICENUMBER"`
	Payload   publishPayload  `json:"payload"`
	LineItems json.RawMessage `json:"lineItems,omitempty"`
}

type statusBody struct {
	AppID     string `json:"appid"`
	AppKey    string `json:"appkey"`
	EPI       string `json:"epi"`
	TxnType   string `json:"txn_type"`
	ReqTxnID  string `json:"req_txn_id"`
	ChannelID string `json:"channel_id"`
	Version   string `json:"version"`
}

// ValorClient talks to the Valor Connect cloud API.
type ValorClient struct {
	cfg    ValorConfig
	http   *resty.Client
	logger zerolog.Logger
}

func NewValorClient(cfg ValorConfig, logger zerolog.Logger) *ValorClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &ValorClient{
		cfg:    cfg,
		http:   client,
		logger: logger.With().Str("component", "valor").Logger(),
	}
}

func (c *ValorClient) Config() ValorConfig {
	return c.cfg
}

func (c *ValorClient) Diagnostics() Diagnostics {
	return c.cfg.Diagnostics()
}

func (c *ValorClient) PreparePublish(req PublishRequest) (*PreparedPublish, error) {
	if !c.cfg.credentialsPresent() {
		return nil, fmt.Errorf("%w: missing channel id, app id, app key or epi", ErrConfig)
	}
	url, err := c.cfg.PublishEndpoint()
	if err != nil {
		return nil, err
	}

	amount := req.AmountCents
	if amount < 0 {
		amount = 0
	}
	body := publishBody{
		AppID:     c.cfg.AppID,
		AppKey:    c.cfg.AppKey,
		EPI:       c.cfg.EPI,
		TxnType:   "vc_publish",
		ChannelID: c.cfg.ChannelID,
		Version:   "1",
		InvoiceNo: req.Invoice,
		Payload: publishPayload{
			TranMode:  "1",
			TranCode:  "1",
			Amount:    strconv.FormatInt(amount, 10),
			ReqTxnID:  req.RequestID,
			InvoiceNo: req.Invoice,
		},
		LineItems: req.LineItems,
	}
	wire, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding publish body: %w", err)
	}

	body.AppID = Mask(body.AppID, 4)
	body.AppKey = Mask(body.AppKey, 4)
	body.EPI = Mask(body.EPI, 4)
	masked, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding masked publish body: %w", err)
	}

	return &PreparedPublish{
		URL:         url,
		RequestID:   req.RequestID,
		AmountCents: amount,
		Invoice:     req.Invoice,
		TerminalID:  c.cfg.EPI,
		Body:        wire,
		Masked:      masked,
	}, nil
}

func (c *ValorClient) Publish(ctx context.Context, p *PreparedPublish) (*PublishResponse, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(p.Body).Post(p.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	out := &PublishResponse{
		HTTPStatus: resp.StatusCode(),
		Body:       resp.Body(),
		Accepted:   Accepted(resp.StatusCode(), resp.Body()),
	}
	c.logger.Info().
		Str("request_id", p.RequestID).
		Int("http_status", out.HTTPStatus).
		Bool("accepted", out.Accepted).
		Msg("publish acknowledged")
	return out, nil
}

func (c *ValorClient) Status(ctx context.Context, requestID string) (*StatusResponse, error) {
	url, err := c.cfg.StatusEndpoint()
	if err != nil {
		return nil, err
	}
	body := statusBody{
		AppID:     c.cfg.AppID,
		AppKey:    c.cfg.AppKey,
		EPI:       c.cfg.EPI,
		TxnType:   "vc_status",
		ReqTxnID:  requestID,
		ChannelID: c.cfg.ChannelID,
		Version:   "1",
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	out := ParseStatus(resp.Body())
	out.HTTPStatus = resp.StatusCode()
	return out, nil
}

// ParseStatus reads a status reply, which may be wrapped in an "ack" object.
// Unparseable bodies yield an empty state.
func ParseStatus(raw []byte) *StatusResponse {
	out := &StatusResponse{Raw: raw}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return out
	}
	if ack, ok := doc["ack"].(map[string]any); ok {
		doc = ack
	}
	out.State = strings.ToUpper(firstString(doc, "STATE", "status", "STATUS", "STAT"))
	out.AmountCents = firstInt(doc, "AMOUNT", "amount")
	out.TotalCents = firstInt(doc, "TOTAL_AMOUNT", "total_amount")
	if out.TotalCents == 0 {
		out.TotalCents = out.AmountCents
	}
	return out
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstInt(doc map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case float64:
			if v != 0 {
				return int64(v)
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n != 0 {
				return n
			}
		}
	}
	return 0
}

var _ Gateway = (*ValorClient)(nil)
