// Package terminal implements the BrokerSession contract against a vendor
// terminal bridge: a local HTTP gateway that fronts a stateful, single-login
// MT4/MT5-style trading terminal.
//
// Open sends the magic number, comment and slippage cap (deviation) given
// in its OpenRequest (the replicator tags opens COPY:<master_ticket>).
// Close and Modify send only the slave ticket (and, for Modify, SL/TP):
// no comment, magic number or deviation. No request carries a price, and
// the client does no ask/bid side selection. The client rounds volume and
// enforces the volume floor; symbol-name translation is not done here
// (left to the bridge, per the broker adapter boundary).
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"copyengine/internal/config"
	"copyengine/pkg/types"
)

// Kind classifies a terminal-level failure so callers can apply the
// error-handling disposition table without string-matching.
type Kind string

const (
	KindAuthFailed    Kind = "auth_failed"
	KindUnreachable   Kind = "unreachable"
	KindVendorBusy    Kind = "vendor_busy"
	KindSymbolUnknown Kind = "symbol_unknown"
	KindRejected      Kind = "rejected"
	KindNoTick        Kind = "no_tick"
	KindTimeout       Kind = "timeout"
	KindNotFound      Kind = "not_found"
)

// Error wraps a terminal failure with its disposition Kind and, for
// Rejected, the vendor's raw rejection code.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("terminal: %s (code=%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("terminal: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err, or any error it wraps, is a *Error of the
// given kind (found via errors.As).
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Session is the contract a replication worker drives. One Session
// represents one authenticated login — either the master's or a single
// follower's — against the terminal bridge.
type Session interface {
	Connect(ctx context.Context) error
	ReadState(ctx context.Context) (map[uint64]types.Position, error)
	Open(ctx context.Context, req OpenRequest) (uint64, error)
	Close(ctx context.Context, slaveTicket uint64) error
	Modify(ctx context.Context, slaveTicket uint64, sl, tp float64) error
	Disconnect(ctx context.Context) error
}

// OpenRequest carries everything needed to place a replicated position.
type OpenRequest struct {
	Symbol       string
	Side         types.Side
	Volume       float64
	SL           float64
	TP           float64
	Comment      string
	Magic        uint64
	DeviationPts int
}

// Client is an HTTP-backed Session talking to the terminal bridge.
type Client struct {
	http        *resty.Client
	login       string
	password    string
	server      string
	deviation   int
	defaultMin  float64
	logger      *slog.Logger
}

// NewClient creates a bridge-backed session for one login. cfg supplies the
// bridge base URL, slippage cap, and the replicator's default volume floor
// (no per-symbol minimum is read from the bridge, so this floor applies to
// every symbol).
func NewClient(cfg config.Config, login, password, server string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Terminal.BridgeBaseURL).
		SetTimeout(cfg.Deadlines.OpDeadline).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(1 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		login:      login,
		password:   password,
		server:     server,
		deviation:  cfg.Terminal.MaxSlippagePoints,
		defaultMin: cfg.Replicator.DefaultVolumeMin,
		logger:     logger.With("component", "terminal", "login", login),
	}
}

type connectRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type connectResponse struct {
	Status string `json:"status"` // "ok", "auth_failed", "unreachable", "vendor_busy"
}

// Connect logs into the bridge. A non-"ok" status or any transport error is
// classified into the appropriate Kind.
func (c *Client) Connect(ctx context.Context) error {
	var result connectResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(connectRequest{Login: c.login, Password: c.password, Server: c.server}).
		SetResult(&result).
		Post("/session/connect")
	if err != nil {
		return &Error{Kind: KindUnreachable, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &Error{Kind: classifyStatus(resp.StatusCode()), Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	switch result.Status {
	case "", "ok":
		return nil
	case "auth_failed":
		return &Error{Kind: KindAuthFailed, Err: fmt.Errorf("login rejected")}
	case "vendor_busy":
		return &Error{Kind: KindVendorBusy, Err: fmt.Errorf("terminal busy")}
	default:
		return &Error{Kind: KindUnreachable, Err: fmt.Errorf("unknown connect status %q", result.Status)}
	}
}

// ReadState fetches the current open positions for this login.
func (c *Client) ReadState(ctx context.Context) (map[uint64]types.Position, error) {
	var positions []types.Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&positions).
		Get("/session/state")
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &Error{Kind: classifyStatus(resp.StatusCode()), Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	out := make(map[uint64]types.Position, len(positions))
	for _, p := range positions {
		out[p.Ticket] = p
	}
	return out, nil
}

type tradeRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
	SL         float64 `json:"sl,omitempty"`
	TP         float64 `json:"tp,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Magic      uint64  `json:"magic,omitempty"`
	Deviation  int     `json:"deviation,omitempty"`
	Ticket     uint64  `json:"ticket,omitempty"`
}

type tradeResponse struct {
	Ticket  uint64 `json:"ticket"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Open rounds volume to two decimals and places the position. Lot sizing
// against lot_multiplier/max_lot is the replicator's responsibility; this
// round is a defensive last step against float drift in whatever value it
// handed down.
func (c *Client) Open(ctx context.Context, req OpenRequest) (uint64, error) {
	volume := c.roundVolume(req.Volume)

	body := tradeRequest{
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Volume:    volume,
		SL:        req.SL,
		TP:        req.TP,
		Comment:   req.Comment,
		Magic:     req.Magic,
		Deviation: req.DeviationPts,
	}

	var result tradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/trade/open")
	if err != nil {
		return 0, &Error{Kind: KindTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, c.tradeErrorFromResponse(resp.StatusCode(), result)
	}
	return result.Ticket, nil
}

// Close closes a previously opened slave position.
func (c *Client) Close(ctx context.Context, slaveTicket uint64) error {
	var result tradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(tradeRequest{Ticket: slaveTicket}).
		SetResult(&result).
		Post("/trade/close")
	if err != nil {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return c.tradeErrorFromResponse(resp.StatusCode(), result)
	}
	return nil
}

// Modify updates SL/TP on a live slave position. Best-effort; a failure is
// returned to the caller, which does not retry it within the same tick.
// The HTTP client's own retries (up to two, on transport errors and 5xx
// responses) apply to this request as to every other.
func (c *Client) Modify(ctx context.Context, slaveTicket uint64, sl, tp float64) error {
	var result tradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(tradeRequest{Ticket: slaveTicket, SL: sl, TP: tp}).
		SetResult(&result).
		Post("/trade/modify")
	if err != nil {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return c.tradeErrorFromResponse(resp.StatusCode(), result)
	}
	return nil
}

// Disconnect logs out. Idempotent: called again on an already-disconnected
// session is a no-op success.
func (c *Client) Disconnect(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/session/disconnect")
	if err != nil {
		c.logger.Warn("disconnect transport error, treating as already disconnected", "error", err)
		return nil
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return &Error{Kind: classifyStatus(resp.StatusCode()), Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return nil
}

// roundVolume rounds to 2 decimals and enforces the configured volume
// floor as a last-resort guard; the replicator is expected to have already
// sized the request correctly.
func (c *Client) roundVolume(requested float64) float64 {
	vol := decimal.NewFromFloat(requested).Round(2)

	min := decimal.NewFromFloat(c.defaultMin)
	if vol.LessThan(min) {
		vol = min
	}

	f, _ := vol.Float64()
	return f
}

func (c *Client) tradeErrorFromResponse(status int, result tradeResponse) error {
	switch status {
	case http.StatusNotFound:
		return &Error{Kind: KindNotFound, Err: fmt.Errorf("%s", result.Message)}
	case http.StatusUnprocessableEntity:
		return &Error{Kind: KindSymbolUnknown, Err: fmt.Errorf("%s", result.Message)}
	case http.StatusConflict:
		return &Error{Kind: KindNoTick, Err: fmt.Errorf("%s", result.Message)}
	case http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("%s", result.Message)}
	default:
		return &Error{Kind: KindRejected, Code: result.Code, Err: fmt.Errorf("%s", result.Message)}
	}
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return KindVendorBusy
	default:
		return KindUnreachable
	}
}
