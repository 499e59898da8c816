// Package push wakes up bridges through a Sygnal compatible push gateway
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/beeper/asmux/pkg/database"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WakeupType is the notification type bridges recognise as a wakeup
const WakeupType = "com.beeper.asmux.websocket_wakeup"

const gatewayTimeout = 10 * time.Second

type device struct {
	AppID     string         `json:"app_id"`
	PushKey   string         `json:"pushkey"`
	PushKeyTS int64          `json:"pushkey_ts"`
	Data      map[string]any `json:"data,omitempty"`
}

type notification struct {
	Devices []device       `json:"devices"`
	Counts  map[string]int `json:"counts"`
	Prio    string         `json:"prio"`
	Type    string         `json:"type"`
}

// Waker sends wakeup pushes and remembers when it last did so for each bridge
type Waker struct {
	client *http.Client

	lock     sync.Mutex
	lastPush map[uuid.UUID]time.Time
}

// LastPush returns when a wakeup was last sent to the appservice
func (w *Waker) LastPush(azID uuid.UUID) time.Time {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.lastPush[azID]
}

// Wakeup sends a high priority push to the device running the bridge. Does nothing if the
// bridge has not registered a push key.
func (w *Waker) Wakeup(ctx context.Context, az *database.AppService) error {
	key := az.PushKey
	if key == nil || key.URL == "" {
		return nil
	}
	w.lock.Lock()
	w.lastPush[az.ID] = time.Now()
	w.lock.Unlock()

	payload, marshalErr := json.Marshal(map[string]any{"notification": notification{
		Devices: []device{{AppID: key.AppID, PushKey: key.PushKey, PushKeyTS: key.PushKeyTS, Data: key.Data}},
		Counts:  map[string]int{},
		Prio:    "high",
		Type:    WakeupType,
	}})
	if marshalErr != nil {
		return marshalErr
	}
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, key.URL, bytes.NewReader(payload))
	if reqErr != nil {
		return reqErr
	}
	req.Header.Set("Content-Type", "application/json")
	logrus.WithField("appservice", az.Name()).Debug("Sending wakeup push")
	resp, doErr := w.client.Do(req)
	if doErr != nil {
		return fmt.Errorf("failed to send wakeup push to %s: %w", az.Name(), doErr)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push gateway returned HTTP %d for %s: %s", resp.StatusCode, az.Name(), text)
	}
	return nil
}

// NewWaker creates Waker instances
func NewWaker() *Waker {
	return &Waker{
		client:   &http.Client{},
		lastPush: map[uuid.UUID]time.Time{},
	}
}
