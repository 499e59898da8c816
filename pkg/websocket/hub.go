// Package websocket delivers transactions to bridges connected over a websocket, and lets
// asmux run commands on them
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/cluster"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/metrics"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/beeper/asmux/pkg/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Headers sent by bridges when connecting
const (
	VersionHeader    = "X-Mautrix-Websocket-Version"
	ProcessIDHeader  = "X-Mautrix-Process-ID"
	noStatusPrefix   = "androidsms"
	heartbeatPrefix  = "imessagecloud"
	heartbeatPeriod  = 60 * time.Second
	pingTimeout      = 45 * time.Second
	commandTimeout   = 10 * time.Second
	stateUpdateLimit = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errDropped = errors.New("transaction dropped")

type timing struct {
	firstSend      time.Duration
	retrySend      time.Duration
	minWakeupDelay time.Duration
	reconnectGrace time.Duration
	sendErrorDelay time.Duration
	timeoutLimit   int
}

var defaultTiming = timing{
	firstSend:      5 * time.Second,
	retrySend:      30 * time.Second,
	minWakeupDelay: 3 * time.Second,
	reconnectGrace: 30 * time.Second,
	sendErrorDelay: time.Second,
	// about 3 minutes without acknowledgements before the websocket is dropped
	timeoutLimit: 7,
}

// Waker wakes up bridges that stopped responding
type Waker interface {
	Wakeup(ctx context.Context, az *database.AppService) error
	LastPush(azID uuid.UUID) time.Time
}

// Hub keeps track of the websocket of every connected bridge
type Hub struct {
	lock     sync.RWMutex
	conns    map[uuid.UUID]*Conn
	stopping atomic.Bool
	stopped  chan struct{}
	timing   timing

	queues    *queue.Manager
	storage   database.AppServiceStorage
	cluster   cluster.Cluster
	reporter  *bridgestate.Reporter
	syncProxy *SyncProxy
	waker     Waker
}

// HasWebsocket returns true if the appservice has a websocket on this instance
func (h *Hub) HasWebsocket(azID uuid.UUID) bool {
	return h.get(azID) != nil
}

func (h *Hub) get(azID uuid.UUID) *Conn {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.conns[azID]
}

// CloseStale closes the websocket of the appservice, if any, because a new one was opened or
// the appservice was deleted. The sync proxy is left running.
func (h *Hub) CloseStale(azID uuid.UUID) {
	h.lock.Lock()
	conn, found := h.conns[azID]
	delete(h.conns, azID)
	h.lock.Unlock()
	if !found {
		return
	}
	conn.logger.Debug("New websocket connection coming in, closing old one")
	if err := conn.Close(CloseReplaced, "conn_replaced"); err != nil {
		conn.logger.Debugf("Failed to close replaced websocket: %v", err)
	}
}

// HandleWS upgrades an authenticated request of the bridge to a websocket and serves it until
// it is closed
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, az *database.AppService) {
	if h.stopping.Load() {
		mxerror.ServerShuttingDown.Write(w)
		return
	}
	if az.Push {
		mxerror.WebsocketNotEnabled.Write(w)
		return
	}
	identifier := r.Header.Get(ProcessIDHeader)
	if identifier == "" {
		identifier = "unidentified"
	}
	protocol, parseErr := strconv.Atoi(r.Header.Get(VersionHeader))
	if parseErr != nil {
		protocol = defaultProtocolVersion
	}
	connection, upgradeErr := upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		logrus.WithField("appservice", az.Name()).Warnf("Websocket upgrade failed: %v", upgradeErr)
		return
	}
	var opts []ConnOption
	if az.Prefix == heartbeatPrefix {
		opts = append(opts, WithHeartbeat(heartbeatPeriod))
	}
	logger := logrus.WithField("appservice", az.Name()).WithField("websocket", identifier)
	conn := NewConn(connection, identifier, protocol, logger, opts...)
	h.registerHandlers(az, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Other websockets of this appservice are closed, first locally, then on other instances
	h.CloseStale(az.ID)
	if err := h.cluster.AnnounceWebsocket(ctx, az.ID); err != nil {
		logger.Warnf("Failed to announce websocket to other instances: %v", err)
	}
	h.lock.Lock()
	h.conns[az.ID] = conn
	h.lock.Unlock()
	gauge := metrics.ConnectedWebsockets.WithLabelValues(az.Owner, az.Prefix)
	gauge.Inc()

	if err := conn.Send(ctx, map[string]any{"command": "connect", "status": "connected"}); err != nil {
		logger.Warnf("Failed to send connect message: %v", err)
	}
	logger.Infof("Websocket connected with protocol v%d", protocol)
	go h.consumeQueue(ctx, az, conn)
	conn.Handle(ctx)

	logger.Debug("Websocket handler finished")
	gauge.Dec()
	h.lock.Lock()
	current := h.conns[az.ID] == conn
	if current {
		delete(h.conns, az.ID)
	}
	h.lock.Unlock()
	if current {
		go h.syncProxy.Stop(context.Background(), az)
		if !h.stopping.Load() {
			go h.reportUnreachable(az)
		}
	}
}

func (h *Hub) registerHandlers(az *database.AppService, conn *Conn) {
	conn.SetHandler("bridge_status", func(ctx context.Context, _ *Conn, data json.RawMessage) (any, error) {
		state, parseErr := bridgestate.MigrateRemoteState(data)
		if parseErr != nil {
			return nil, parseErr
		}
		ctx, cancel := context.WithTimeout(ctx, stateUpdateLimit)
		defer cancel()
		return nil, h.reporter.SendRemoteStatus(ctx, az, state)
	})
	conn.SetHandler("message_checkpoint", func(ctx context.Context, _ *Conn, data json.RawMessage) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, stateUpdateLimit)
		defer cancel()
		return nil, h.reporter.SendCheckpoints(ctx, az, data)
	})
	conn.SetHandler("push_key", func(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
		var key database.PushKey
		if err := json.Unmarshal(data, &key); err != nil {
			return nil, err
		}
		conn.logger.Info("Setting push key")
		// az is read concurrently by the queue consumer
		updated := *az
		if err := h.storage.SetPushKey(ctx, &updated, &key); err != nil {
			return nil, err
		}
		return nil, h.cluster.InvalidateAppService(ctx, az.ID)
	})
	conn.SetHandler("start_sync", func(ctx context.Context, _ *Conn, data json.RawMessage) (any, error) {
		return h.syncProxy.Start(ctx, az, data)
	})
	conn.SetHandler("ping", func(_ context.Context, conn *Conn, _ json.RawMessage) (any, error) {
		if current := h.get(az.ID); current != conn {
			return nil, &ErrorResponse{Code: "NOT_CURRENT", Message: "websocket " + conn.Identifier + " is not current"}
		}
		return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
	})
}

// reportUnreachable tells the API server the bridge is gone, unless it reconnects in time
func (h *Hub) reportUnreachable(az *database.AppService) {
	// The websocket is not needed for androidsms connectivity, since the app is woken up by
	// pushes anyway
	if az.Prefix == noStatusPrefix {
		return
	}
	select {
	case <-time.After(h.timing.reconnectGrace):
	case <-h.stopped:
		return
	}
	state := h.Ping(context.Background(), az)
	if state.BridgeState.StateEvent == bridgestate.StateBridgeUnreachable {
		ctx, cancel := context.WithTimeout(context.Background(), stateUpdateLimit)
		defer cancel()
		h.reporter.SendBridgeStatus(ctx, az, bridgestate.StateBridgeUnreachable)
	}
}

// PostEvents queues a transaction for the bridge. The bridge is woken up if its websocket
// is gone or stuck and there are PDUs waiting.
func (h *Hub) PostEvents(ctx context.Context, az *database.AppService, evts *events.Events) error {
	q := h.queues.Get(az)
	if err := q.Push(ctx, evts); err != nil {
		return err
	}
	conn := h.get(az.ID)
	if conn != nil && conn.Timeouts() == 0 {
		return nil
	}
	if h.shouldWakeup(az, conn) {
		if hasPDUs, err := q.ContainsPDUs(ctx); err == nil && hasPDUs {
			go h.wakeup(az)
		}
	}
	return nil
}

func (h *Hub) shouldWakeup(az *database.AppService, conn *Conn) bool {
	if h.waker == nil || az.PushKey == nil {
		return false
	}
	now := time.Now()
	if conn != nil && conn.LastReceived().Add(h.timing.retrySend).After(now) {
		return false
	}
	return !h.waker.LastPush(az.ID).Add(h.timing.minWakeupDelay).After(now)
}

// reload returns the stored state of az, or az itself if it can't be loaded
func (h *Hub) reload(ctx context.Context, az *database.AppService) *database.AppService {
	fresh, err := h.storage.GetAppService(ctx, az.ID)
	if err != nil {
		return az
	}
	return fresh
}

func (h *Hub) wakeup(az *database.AppService) {
	if err := h.waker.Wakeup(context.Background(), az); err != nil {
		logrus.WithField("appservice", az.Name()).Warnf("Failed to wake up bridge: %v", err)
	}
}

// Ping asks the connected bridge for its state
func (h *Hub) Ping(ctx context.Context, az *database.AppService) bridgestate.GlobalState {
	conn := h.get(az.ID)
	if conn == nil {
		return bridgestate.MakePingError("websocket-not-connected", "")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	raw, err := conn.Request(ctx, "ping", nil, nil)
	if errors.Is(err, context.DeadlineExceeded) {
		return bridgestate.MakePingError("io-timeout", "")
	} else if err != nil {
		conn.logger.Warnf("Failed to ping via websocket: %v", err)
		return bridgestate.MakePingError("websocket-fatal-error", err.Error())
	}
	if len(raw) == 0 || string(raw) == "null" {
		return bridgestate.MakePingError("websocket-unknown-error", "")
	}
	state, parseErr := bridgestate.MigrateStateData(raw)
	if parseErr != nil {
		conn.logger.Warnf("Invalid ping response: %v", parseErr)
		return bridgestate.MakePingError("websocket-unknown-error", "")
	}
	return state
}

// PostCommand runs a command on the bridge and returns the response data
func (h *Hub) PostCommand(ctx context.Context, az *database.AppService, command string, data json.RawMessage) (json.RawMessage, error) {
	conn := h.get(az.ID)
	if conn == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	var payload any
	if len(data) > 0 {
		payload = data
	}
	return conn.Request(ctx, command, payload, nil)
}

// PostSyncProxyError forwards an error of the sync proxy to the bridge
func (h *Hub) PostSyncProxyError(ctx context.Context, az *database.AppService, txnID string, data json.RawMessage) (string, error) {
	conn := h.get(az.ID)
	if conn == nil {
		logrus.WithField("appservice", az.Name()).Warnf("Not sending sync proxy error %s: websocket not connected", txnID)
		return "websocket-not-connected", nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", err
	}
	if conn.Protocol >= 2 {
		ctx, cancel := context.WithTimeout(ctx, h.timing.retrySend)
		defer cancel()
		fields["txn_id"] = txnID
		_, err := conn.Request(ctx, "syncproxy_error", nil, fields)
		if errors.Is(err, context.DeadlineExceeded) {
			conn.addTimeout()
			return "websocket-send-fail", nil
		} else if err != nil {
			return "websocket-send-fail", nil
		}
		return "ok", nil
	}
	fields["command"] = "transaction"
	if err := conn.Send(ctx, fields); err != nil {
		return "websocket-send-fail", nil
	}
	return "ok", nil
}

// Stop closes every websocket with a service restart code
func (h *Hub) Stop() {
	if h.stopping.Swap(true) {
		return
	}
	close(h.stopped)
	logrus.Debug("Disconnecting websockets")
	h.lock.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.lock.RUnlock()
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Conn) {
			defer wg.Done()
			_ = conn.Close(CloseServiceRestart, "server_shutting_down")
		}(conn)
	}
	wg.Wait()
}

// HubDependencies are the collaborators of a Hub
type HubDependencies struct {
	Queues    *queue.Manager
	Storage   database.AppServiceStorage
	Cluster   cluster.Cluster
	Reporter  *bridgestate.Reporter
	SyncProxy *SyncProxy
	Waker     Waker
}

// NewHub creates Hub instances. Websockets replaced on other instances are closed here.
func NewHub(deps HubDependencies) *Hub {
	h := &Hub{
		conns:     map[uuid.UUID]*Conn{},
		stopped:   make(chan struct{}),
		timing:    defaultTiming,
		queues:    deps.Queues,
		storage:   deps.Storage,
		cluster:   deps.Cluster,
		reporter:  deps.Reporter,
		syncProxy: deps.SyncProxy,
		waker:     deps.Waker,
	}
	h.cluster.OnWebsocketReplaced(h.CloseStale)
	return h
}
