package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beeper/asmux/pkg/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeupSendsNotification(t *testing.T) {
	// given
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		_, _ = w.Write([]byte(`{"rejected": []}`))
	}))
	defer server.Close()
	az := &database.AppService{ID: uuid.New(), Owner: "alice", Prefix: "imessage", PushKey: &database.PushKey{
		URL: server.URL, AppID: "com.beeper.ios", PushKey: "device-token", PushKeyTS: 42,
	}}
	waker := NewWaker()

	// when
	err := waker.Wakeup(context.Background(), az)

	// then
	require.NoError(t, err)
	notification := (<-bodies)["notification"].(map[string]any)
	assert.Equal(t, "high", notification["prio"])
	assert.Equal(t, WakeupType, notification["type"])
	devices := notification["devices"].([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, "device-token", devices[0].(map[string]any)["pushkey"])
	assert.False(t, waker.LastPush(az.ID).IsZero())
}

func TestWakeupWithoutPushKeyIsNoop(t *testing.T) {
	waker := NewWaker()
	az := &database.AppService{ID: uuid.New()}

	assert.NoError(t, waker.Wakeup(context.Background(), az))
	assert.True(t, waker.LastPush(az.ID).IsZero())
}

func TestWakeupReportsGatewayErrors(t *testing.T) {
	// given
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()
	az := &database.AppService{ID: uuid.New(), PushKey: &database.PushKey{URL: server.URL, PushKey: "x"}}

	// when
	err := NewWaker().Wakeup(context.Background(), az)

	// then
	assert.ErrorContains(t, err, "HTTP 400")
}
