// Package httppush delivers transactions to bridges that run their own appservice HTTP server
package httppush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/sirupsen/logrus"
)

// Delivery results
const (
	ResultOK     = "ok"
	ResultGaveUp = "http-gave-up"

	pingTimeout   = 45 * time.Second
	pduAttempts   = 10
	otherAttempts = 2
	// attemptTimeout bounds a single PUT, so a hung bridge can't hold up its later transactions
	attemptTimeout = 5 * time.Minute
)

// ErrNotSupported is returned for operations only websocket bridges support
var ErrNotSupported = errors.New("operation not supported for HTTP bridges")

// Pusher sends transactions to bridges over HTTP
type Pusher struct {
	client         *http.Client
	mxidSuffix     string
	baseDelay      time.Duration
	attemptTimeout time.Duration
}

// backoff grows the delay by half after every attempt
func (p *Pusher) backoff(n uint, _ error, _ *retry.Config) time.Duration {
	return time.Duration(float64(p.baseDelay) * math.Pow(1.5, float64(n)))
}

func (p *Pusher) putTransaction(ctx context.Context, target, hsToken string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
	if reqErr != nil {
		return retry.Unrecoverable(reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+hsToken)
	resp, doErr := p.client.Do(req)
	if doErr != nil {
		return doErr
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %q", resp.StatusCode, text)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func transactionURL(az *database.AppService, txnID string) (string, error) {
	base, parseErr := url.Parse(az.Address)
	if parseErr != nil {
		return "", parseErr
	}
	target := base.JoinPath("_matrix/app/v1/transactions", txnID)
	target.RawQuery = url.Values{"access_token": {az.HSToken}}.Encode()
	return target.String(), nil
}

// PostEvents sends a transaction, retrying failures. Transactions with PDUs are retried
// harder than ones with only ephemeral data. Returns ResultOK or ResultGaveUp.
func (p *Pusher) PostEvents(ctx context.Context, az *database.AppService, evts *events.Events) string {
	logger := logrus.WithField("appservice", az.Name()).WithField("txn_id", evts.TxnID)
	target, urlErr := transactionURL(az, evts.TxnID)
	if urlErr != nil {
		logger.Warnf("Invalid bridge address %q: %v", az.Address, urlErr)
		return ResultGaveUp
	}
	payload, marshalErr := json.Marshal(evts.Serialize())
	if marshalErr != nil {
		logger.Errorf("Failed to encode transaction: %v", marshalErr)
		return ResultGaveUp
	}
	attempts := uint(otherAttempts)
	if len(evts.PDU) > 0 {
		attempts = pduAttempts
	}
	var attempt uint
	err := retry.Do(
		func() error {
			attempt++
			logger.Debugf("Sending transaction via HTTP, attempt #%d", attempt)
			return p.putTransaction(ctx, target, az.HSToken, payload)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(p.backoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(_ uint, err error) {
			logger.Debugf("Failed to send transaction (%dp/%de): %v", len(evts.PDU), len(evts.EDU), err)
		}),
	)
	if err != nil {
		logger.Warnf("Gave up trying to send transaction (last error: %v)", err)
		return ResultGaveUp
	}
	return ResultOK
}

// Ping asks the bridge for its state
func (p *Pusher) Ping(ctx context.Context, az *database.AppService) bridgestate.GlobalState {
	base, parseErr := url.Parse(az.Address)
	if parseErr != nil {
		return bridgestate.MakePingError("http-connection-error", parseErr.Error())
	}
	target := base.JoinPath("_matrix/app/com.beeper.bridge_state")
	target.RawQuery = url.Values{
		"user_id":   {fmt.Sprintf("@%s%s", az.Owner, p.mxidSuffix)},
		"remote_id": {""},
	}.Encode()

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if reqErr != nil {
		return bridgestate.MakePingError("http-fatal-error", reqErr.Error())
	}
	req.Header.Set("Authorization", "Bearer "+az.HSToken)
	resp, doErr := p.client.Do(req)
	if doErr != nil {
		var netErr interface{ Timeout() bool }
		if errors.Is(doErr, context.DeadlineExceeded) || (errors.As(doErr, &netErr) && netErr.Timeout()) {
			return bridgestate.MakePingError("io-timeout", "")
		}
		return bridgestate.MakePingError("http-connection-error", doErr.Error())
	}
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return bridgestate.MakePingError("io-timeout", readErr.Error())
	}
	state, decodeErr := bridgestate.MigrateStateData(raw)
	if decodeErr != nil {
		if resp.StatusCode >= 300 {
			return bridgestate.MakePingError(
				fmt.Sprintf("ping-http-%d", resp.StatusCode),
				fmt.Sprintf("Ping returned non-JSON body and HTTP %d", resp.StatusCode),
			)
		}
		return bridgestate.MakePingError("http-not-json", "")
	}
	return state
}

// PostSyncProxyError is not supported for HTTP bridges
func (p *Pusher) PostSyncProxyError(context.Context, *database.AppService, string, json.RawMessage) (string, error) {
	return "", ErrNotSupported
}

// Option customizes a Pusher
type Option func(*Pusher)

// WithBaseDelay sets the delay before the first retry
func WithBaseDelay(delay time.Duration) Option {
	return func(p *Pusher) {
		p.baseDelay = delay
	}
}

// WithAttemptTimeout limits how long a single delivery attempt may take
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(p *Pusher) {
		p.attemptTimeout = timeout
	}
}

// NewPusher creates Pusher instances
func NewPusher(mxidSuffix string, opts ...Option) *Pusher {
	p := &Pusher{
		client:         &http.Client{},
		mxidSuffix:     mxidSuffix,
		baseDelay:      time.Second,
		attemptTimeout: attemptTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}
