package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/sirupsen/logrus"
)

const syncProxyPath = "/_matrix/client/unstable/fi.mau.syncproxy"

// ErrSyncProxyDisabled is returned when a bridge asks for a sync proxy, but none is configured
var ErrSyncProxyDisabled = errors.New("sync proxy is not configured")

// SyncProxySettings configures the SyncProxy client
type SyncProxySettings struct {
	URL          string
	Token        string
	AsmuxAddress string
	HSToken      string
	MXIDPrefix   string
	MXIDSuffix   string
}

// SyncProxy asks the sync proxy to /sync on behalf of websocket bridges
type SyncProxy struct {
	settings SyncProxySettings
	client   *http.Client
}

type startRequest struct {
	AppServiceID   string `json:"appservice_id"`
	UserID         string `json:"user_id"`
	BotAccessToken string `json:"bot_access_token"`
	DeviceID       string `json:"device_id"`
	HSToken        string `json:"hs_token"`
	Address        string `json:"address"`
	IsProxy        bool   `json:"is_proxy"`
}

func (s *SyncProxy) url(az *database.AppService) (string, error) {
	base, err := url.Parse(s.settings.URL)
	if err != nil {
		return "", err
	}
	return base.JoinPath(syncProxyPath, az.ID.String()).String(), nil
}

func (s *SyncProxy) do(ctx context.Context, method string, az *database.AppService, body any) (json.RawMessage, error) {
	target, urlErr := s.url(az)
	if urlErr != nil {
		return nil, urlErr
	}
	var reader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, marshalErr
		}
		reader = bytes.NewReader(payload)
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, target, reader)
	if reqErr != nil {
		return nil, reqErr
	}
	req.Header.Set("Authorization", "Bearer "+s.settings.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, doErr := s.client.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode >= 400 {
		respErr := mxerror.Error{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, &respErr); err != nil || respErr.ErrCode == "" {
			respErr.ErrCode = "M_UNKNOWN"
			respErr.Message = string(raw)
		}
		return nil, respErr
	}
	return raw, nil
}

// Start requests syncing for the bridge bot. data is the start_sync payload of the bridge,
// containing the access_token and device_id of the bot.
func (s *SyncProxy) Start(ctx context.Context, az *database.AppService, data json.RawMessage) (json.RawMessage, error) {
	if s == nil || s.settings.URL == "" {
		return nil, ErrSyncProxyDisabled
	}
	var login struct {
		AccessToken string `json:"access_token"`
		DeviceID    string `json:"device_id"`
	}
	if err := json.Unmarshal(data, &login); err != nil {
		return nil, fmt.Errorf("invalid start_sync payload: %w", err)
	}
	logrus.WithField("appservice", az.Name()).Debug("Requesting sync proxy start")
	return s.do(ctx, http.MethodPut, az, startRequest{
		AppServiceID:   az.ID.String(),
		UserID:         fmt.Sprintf("%s%s_%s_%s%s", s.settings.MXIDPrefix, az.Owner, az.Prefix, az.Bot, s.settings.MXIDSuffix),
		BotAccessToken: login.AccessToken,
		DeviceID:       login.DeviceID,
		HSToken:        s.settings.HSToken,
		Address:        s.settings.AsmuxAddress,
		IsProxy:        true,
	})
}

// Stop asks the sync proxy to stop syncing for the bridge. Failures are only logged.
func (s *SyncProxy) Stop(ctx context.Context, az *database.AppService) {
	if s == nil || s.settings.URL == "" {
		return
	}
	logger := logrus.WithField("appservice", az.Name())
	logger.Debug("Requesting sync proxy stop")
	_, err := s.do(ctx, http.MethodDelete, az, nil)
	var respErr mxerror.Error
	switch {
	case err == nil:
		logger.Debug("Stopped sync proxy")
	case errors.As(err, &respErr) && (respErr.ErrCode == "M_NOT_FOUND" || respErr.ErrCode == "FI.MAU.SYNCPROXY.NOT_ACTIVE"):
		logger.Debugf("Failed to request sync proxy stop: %v", err)
	default:
		logger.Warnf("Failed to request sync proxy stop: %v", err)
	}
}

// NewSyncProxy creates SyncProxy instances
func NewSyncProxy(settings SyncProxySettings) *SyncProxy {
	return &SyncProxy{settings: settings, client: &http.Client{}}
}
