package bridgestate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beeper/asmux/pkg/database"
	"github.com/sirupsen/logrus"
)

const apiServerTimeout = 20 * time.Second

// Endpoints of the API server. URLs may contain {owner} and {prefix} placeholders, empty
// endpoints disable the corresponding report.
type Endpoints struct {
	RemoteStatus string
	BridgeStatus string
	Checkpoints  string
}

// Reporter forwards state reports of bridges to the API server
type Reporter struct {
	endpoints Endpoints
	client    *http.Client
}

func formatEndpoint(endpoint string, az *database.AppService) string {
	return strings.NewReplacer("{owner}", az.Owner, "{prefix}", az.Prefix).Replace(endpoint)
}

func (r *Reporter) post(ctx context.Context, az *database.AppService, endpoint string, body any) error {
	payload, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return marshalErr
	}
	req, reqErr := http.NewRequestWithContext(
		ctx, http.MethodPost, formatEndpoint(endpoint, az), bytes.NewReader(payload),
	)
	if reqErr != nil {
		return reqErr
	}
	req.Header.Set("Authorization", "Bearer "+az.RealASToken())
	req.Header.Set("Content-Type", "application/json")
	resp, doErr := r.client.Do(req)
	if doErr != nil {
		return doErr
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.ReplaceAll(string(text), "\n", "\\n"))
	}
	return nil
}

// SendRemoteStatus forwards a remote network state pushed by the bridge
func (r *Reporter) SendRemoteStatus(ctx context.Context, az *database.AppService, state BridgeState) error {
	if r.endpoints.RemoteStatus == "" {
		return nil
	}
	logrus.WithField("appservice", az.Name()).Debugf("Sending remote status to API server: %s", state.StateEvent)
	if err := r.post(ctx, az, r.endpoints.RemoteStatus, state); err != nil {
		return fmt.Errorf("failed to send remote status of %s: %w", az.Name(), err)
	}
	return nil
}

// SendBridgeStatus reports a state of the bridge as a whole, for example BRIDGE_UNREACHABLE
// after its websocket is gone. Failures are only logged.
func (r *Reporter) SendBridgeStatus(ctx context.Context, az *database.AppService, event StateEvent) {
	if r.endpoints.BridgeStatus == "" {
		return
	}
	logger := logrus.WithField("appservice", az.Name())
	logger.Debugf("Sending bridge status to API server: %s", event)
	if err := r.post(ctx, az, r.endpoints.BridgeStatus, map[string]any{"stateEvent": event}); err != nil {
		logger.Warnf("Failed to send updated bridge state: %v", err)
	}
}

// SendCheckpoints forwards message send checkpoints. data is either a Checkpoints or the raw
// payload received from the bridge.
func (r *Reporter) SendCheckpoints(ctx context.Context, az *database.AppService, data any) error {
	if r.endpoints.Checkpoints == "" {
		return nil
	}
	if err := r.post(ctx, az, r.endpoints.Checkpoints, data); err != nil {
		return fmt.Errorf("failed to send message send checkpoints of %s: %w", az.Name(), err)
	}
	return nil
}

// NewReporter creates Reporter instances
func NewReporter(endpoints Endpoints) *Reporter {
	return &Reporter{
		endpoints: endpoints,
		client:    &http.Client{Timeout: apiServerTimeout},
	}
}
