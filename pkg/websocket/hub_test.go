package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/cluster"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWaker struct {
	lock    sync.Mutex
	wakeups []uuid.UUID
	last    map[uuid.UUID]time.Time
}

func (w *fakeWaker) Wakeup(_ context.Context, az *database.AppService) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.wakeups = append(w.wakeups, az.ID)
	w.last[az.ID] = time.Now()
	return nil
}

func (w *fakeWaker) LastPush(azID uuid.UUID) time.Time {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.last[azID]
}

func (w *fakeWaker) count() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.wakeups)
}

type testEnv struct {
	hub     *Hub
	az      *database.AppService
	server  *httptest.Server
	storage database.Storage
	waker   *fakeWaker
}

func newTestEnv(t *testing.T, tune func(*timing)) *testEnv {
	storage, err := database.OpenBolt(filepath.Join(t.TempDir(), "asmux.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	ctx := context.Background()
	user, userErr := storage.GetOrCreateUser(ctx, "alice")
	require.NoError(t, userErr)
	opts := database.DefaultAppServiceOptions()
	opts.Push = false
	az, _, createErr := storage.FindOrCreateAppService(ctx, user, "signal", opts)
	require.NoError(t, createErr)

	waker := &fakeWaker{last: map[uuid.UUID]time.Time{}}
	hub := NewHub(HubDependencies{
		Queues:   queue.NewMemoryManager(":example.org", nil),
		Storage:  storage,
		Cluster:  cluster.NewLocalCluster(database.NewCachingStorage(storage)),
		Reporter: bridgestate.NewReporter(bridgestate.Endpoints{}),
		Waker:    waker,
	})
	hub.timing.reconnectGrace = 10 * time.Millisecond
	if tune != nil {
		tune(&hub.timing)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r, az)
	}))
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})
	return &testEnv{hub: hub, az: az, server: server, storage: storage, waker: waker}
}

func (env *testEnv) dial(t *testing.T, version string) *websocket.Conn {
	header := http.Header{}
	header.Set(VersionHeader, version)
	header.Set(ProcessIDHeader, "test-"+version)
	connection, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.server.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { connection.Close() })
	return connection
}

func (env *testEnv) waitRegistered(t *testing.T) {
	require.NoError(t, retry.Do(func() error {
		if !env.hub.HasWebsocket(env.az.ID) {
			return errors.New("websocket not registered yet")
		}
		return nil
	}, retry.Attempts(100), retry.Delay(10*time.Millisecond), retry.DelayType(retry.FixedDelay)))
}

// bridge is the client side of the protocol
type bridge struct {
	conn         *Conn
	transactions atomic.Int32
	connected    chan struct{}
}

func (env *testEnv) connectBridge(t *testing.T) *bridge {
	connection := env.dial(t, "3")
	b := &bridge{connected: make(chan struct{}, 1)}
	b.conn = NewConn(connection, "bridge", 3, logrus.WithField("side", "bridge"))
	b.conn.SetHandler("connect", func(context.Context, *Conn, json.RawMessage) (any, error) {
		b.connected <- struct{}{}
		return nil, nil
	})
	b.conn.SetHandler("transaction", func(context.Context, *Conn, json.RawMessage) (any, error) {
		b.transactions.Add(1)
		return map[string]any{}, nil
	})
	b.conn.SetHandler("ping", func(context.Context, *Conn, json.RawMessage) (any, error) {
		return map[string]any{"bridgeState": map[string]any{"state_event": "CONNECTED"}}, nil
	})
	b.conn.SetHandler("echo", func(_ context.Context, _ *Conn, data json.RawMessage) (any, error) {
		return data, nil
	})
	go b.conn.Handle(context.Background())
	select {
	case <-b.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not receive the connect message")
	}
	env.waitRegistered(t)
	return b
}

func transaction(id string) *events.Events {
	evts := events.New(id)
	evts.AddPDU(events.Event{
		"type":             "m.room.message",
		"room_id":          "!room:example.org",
		"sender":           "@bob:example.org",
		"origin_server_ts": time.Now().UnixMilli(),
	})
	return evts
}

func readCloseCode(t *testing.T, connection *websocket.Conn) int {
	require.NoError(t, connection.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := connection.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		t.Fatalf("expected close frame, got %v", err)
	}
}

func TestTransactionsAreDeliveredAndAcknowledged(t *testing.T) {
	// given
	env := newTestEnv(t, nil)
	b := env.connectBridge(t)

	// when
	require.NoError(t, env.hub.PostEvents(context.Background(), env.az, transaction("txn1")))

	// then
	require.NoError(t, retry.Do(func() error {
		if b.transactions.Load() == 0 {
			return errors.New("transaction not received yet")
		}
		hasPDUs, err := env.hub.queues.Get(env.az).ContainsPDUs(context.Background())
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if hasPDUs {
			return errors.New("transaction still queued")
		}
		return nil
	}, retry.Attempts(100), retry.Delay(20*time.Millisecond), retry.DelayType(retry.FixedDelay)))
	assert.Equal(t, int32(1), b.transactions.Load())
	assert.Equal(t, 0, env.hub.get(env.az.ID).Timeouts())
	assert.Equal(t, 0, env.waker.count())
}

func TestUnacknowledgedTransactionsCloseTheWebsocket(t *testing.T) {
	// given
	env := newTestEnv(t, func(tm *timing) {
		tm.firstSend = 20 * time.Millisecond
		tm.retrySend = 20 * time.Millisecond
		tm.timeoutLimit = 2
	})
	connection := env.dial(t, "3")
	env.waitRegistered(t)

	// when
	require.NoError(t, env.hub.PostEvents(context.Background(), env.az, transaction("txn1")))

	// then
	assert.Equal(t, CloseNotAcknowledged, readCloseCode(t, connection))
	hasPDUs, err := env.hub.queues.Get(env.az).ContainsPDUs(context.Background())
	require.NoError(t, err)
	assert.True(t, hasPDUs)
}

func TestNewWebsocketReplacesOldOne(t *testing.T) {
	// given
	env := newTestEnv(t, nil)
	old := env.dial(t, "3")
	env.waitRegistered(t)

	// when
	env.connectBridge(t)

	// then
	assert.Equal(t, CloseReplaced, readCloseCode(t, old))
	assert.Equal(t, "test-3", env.hub.get(env.az.ID).Identifier)
}

func TestStopClosesWebsocketsWithRestartCode(t *testing.T) {
	// given
	env := newTestEnv(t, nil)
	connection := env.dial(t, "3")
	env.waitRegistered(t)

	// when
	env.hub.Stop()

	// then
	assert.Equal(t, websocket.CloseServiceRestart, readCloseCode(t, connection))
}

func TestHandleWSRejectsPushAppServices(t *testing.T) {
	// given
	env := newTestEnv(t, nil)
	az := *env.az
	az.Push = true
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/unstable/fi.mau.as_sync", nil)

	// when
	env.hub.HandleWS(recorder, req, &az)

	// then
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "FI.MAU.WEBSOCKET_NOT_ENABLED")
}

func TestPostCommand(t *testing.T) {
	// given
	env := newTestEnv(t, nil)

	// when
	_, notConnectedErr := env.hub.PostCommand(context.Background(), env.az, "echo", json.RawMessage(`{"hello":"world"}`))
	env.connectBridge(t)
	response, err := env.hub.PostCommand(context.Background(), env.az, "echo", json.RawMessage(`{"hello":"world"}`))
	_, unknownErr := env.hub.PostCommand(context.Background(), env.az, "nope", nil)

	// then
	assert.ErrorIs(t, notConnectedErr, ErrNotConnected)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(response))
	var respErr *ErrorResponse
	require.ErrorAs(t, unknownErr, &respErr)
	assert.Equal(t, "UNKNOWN_COMMAND", respErr.Code)
}

func TestPing(t *testing.T) {
	// given
	env := newTestEnv(t, nil)

	// when
	disconnected := env.hub.Ping(context.Background(), env.az)
	env.connectBridge(t)
	connected := env.hub.Ping(context.Background(), env.az)

	// then
	assert.Equal(t, bridgestate.StateBridgeUnreachable, disconnected.BridgeState.StateEvent)
	assert.Equal(t, "websocket-not-connected", disconnected.BridgeState.Error)
	assert.Equal(t, bridgestate.StateConnected, connected.BridgeState.StateEvent)
}

func TestPostEventsWakesUpDisconnectedBridge(t *testing.T) {
	// given
	env := newTestEnv(t, nil)
	az := *env.az
	az.PushKey = &database.PushKey{URL: "https://push.example.org", AppID: "com.example", PushKey: "key"}
	edus := events.New("txn-edu")
	edus.AddEDU(events.Event{"type": "m.typing"})

	// when
	require.NoError(t, env.hub.PostEvents(context.Background(), &az, edus))
	time.Sleep(50 * time.Millisecond)
	afterEDUs := env.waker.count()
	require.NoError(t, env.hub.PostEvents(context.Background(), &az, transaction("txn-pdu")))

	// then
	assert.Equal(t, 0, afterEDUs)
	require.NoError(t, retry.Do(func() error {
		if env.waker.count() != 1 {
			return errors.New("bridge not woken up yet")
		}
		return nil
	}, retry.Attempts(100), retry.Delay(10*time.Millisecond), retry.DelayType(retry.FixedDelay)))
}

func TestPostEventsDoesNotWakeUpWithoutPushKey(t *testing.T) {
	// given
	env := newTestEnv(t, nil)

	// when
	require.NoError(t, env.hub.PostEvents(context.Background(), env.az, transaction("txn1")))
	time.Sleep(50 * time.Millisecond)

	// then
	assert.Equal(t, 0, env.waker.count())
}

// silentBridge connects with given protocol version and counts transactions. respond decides how
// a transaction is answered, nil leaves it unanswered.
func (env *testEnv) silentBridge(t *testing.T, version int, respond Handler) (*Conn, *atomic.Int32) {
	connection := env.dial(t, strconv.Itoa(version))
	client := NewConn(connection, "bridge", version, logrus.WithField("side", "bridge"))
	received := &atomic.Int32{}
	client.SetHandler("transaction", func(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
		received.Add(1)
		if respond != nil {
			return respond(ctx, conn, data)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	go client.Handle(context.Background())
	env.waitRegistered(t)
	return client, received
}

func TestUnacknowledgedTransactionsPerProtocolVersion(t *testing.T) {
	tests := []struct {
		name           string
		version        int
		expectRetry    bool
		expectedQueued bool
	}{
		{
			name:           "version 2 drops the transaction",
			version:        2,
			expectRetry:    false,
			expectedQueued: false,
		},
		{
			name:           "version 3 keeps the transaction queued",
			version:        3,
			expectRetry:    true,
			expectedQueued: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// given
			env := newTestEnv(t, func(tm *timing) {
				tm.firstSend = 20 * time.Millisecond
				tm.retrySend = 20 * time.Millisecond
				tm.timeoutLimit = 1000
			})
			_, received := env.silentBridge(t, tt.version, nil)
			q := env.hub.queues.Get(env.az)

			// when
			require.NoError(t, env.hub.PostEvents(context.Background(), env.az, transaction("txn1")))

			// then
			require.NoError(t, retry.Do(func() error {
				hasPDUs, err := q.ContainsPDUs(context.Background())
				if err != nil {
					return retry.Unrecoverable(err)
				}
				if tt.expectRetry && received.Load() < 2 {
					return errors.New("transaction not retried yet")
				}
				if !tt.expectRetry && hasPDUs {
					return errors.New("transaction not dropped yet")
				}
				return nil
			}, retry.Attempts(200), retry.Delay(10*time.Millisecond), retry.DelayType(retry.FixedDelay)))
			hasPDUs, err := q.ContainsPDUs(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expectedQueued, hasPDUs)
			assert.GreaterOrEqual(t, env.hub.get(env.az.ID).Timeouts(), 1)
			if !tt.expectRetry {
				time.Sleep(100 * time.Millisecond)
				assert.Equal(t, int32(1), received.Load())
			}
		})
	}
}

func TestFailedSendsAreRetriedWithDelay(t *testing.T) {
	// given
	env := newTestEnv(t, func(tm *timing) {
		tm.sendErrorDelay = 100 * time.Millisecond
	})
	_, received := env.silentBridge(t, 3, func(context.Context, *Conn, json.RawMessage) (any, error) {
		return nil, &ErrorResponse{Code: "FI.MAU.INTERNAL_ERROR", Message: "database is down"}
	})

	// when
	require.NoError(t, env.hub.PostEvents(context.Background(), env.az, transaction("txn1")))
	time.Sleep(350 * time.Millisecond)

	// then
	attempts := received.Load()
	assert.GreaterOrEqual(t, attempts, int32(2))
	assert.LessOrEqual(t, attempts, int32(6))
	hasPDUs, err := env.hub.queues.Get(env.az).ContainsPDUs(context.Background())
	require.NoError(t, err)
	assert.True(t, hasPDUs)
}

func TestPushKeyFromBridgeIsUsedForWakeups(t *testing.T) {
	// given
	env := newTestEnv(t, func(tm *timing) {
		tm.firstSend = 20 * time.Millisecond
		tm.retrySend = 20 * time.Millisecond
		tm.minWakeupDelay = 0
		tm.timeoutLimit = 1000
	})
	client, _ := env.silentBridge(t, 3, nil)
	key := database.PushKey{URL: "https://push.example.org", AppID: "com.example", PushKey: "key"}

	// when
	_, err := client.Request(context.Background(), "push_key", key, nil)
	require.NoError(t, err)
	require.NoError(t, env.hub.PostEvents(context.Background(), env.az, transaction("txn1")))

	// then
	require.NoError(t, retry.Do(func() error {
		if env.waker.count() == 0 {
			return errors.New("bridge not woken up yet")
		}
		return nil
	}, retry.Attempts(200), retry.Delay(10*time.Millisecond), retry.DelayType(retry.FixedDelay)))
	stored, getErr := env.storage.GetAppService(context.Background(), env.az.ID)
	require.NoError(t, getErr)
	require.NotNil(t, stored.PushKey)
	assert.Equal(t, "key", stored.PushKey.PushKey)
	assert.Nil(t, env.az.PushKey)
}
