// Package appservice splits transactions of the homeserver between the bridges behind asmux
package appservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WebsocketDelivery queues transactions for bridges connected over a websocket
type WebsocketDelivery interface {
	PostEvents(ctx context.Context, az *database.AppService, evts *events.Events) error
	Ping(ctx context.Context, az *database.AppService) bridgestate.GlobalState
}

// HTTPDelivery pushes transactions to bridges that have an HTTP address
type HTTPDelivery interface {
	PostEvents(ctx context.Context, az *database.AppService, evts *events.Events) string
	Ping(ctx context.Context, az *database.AppService) bridgestate.GlobalState
}

// Storage is the part of the persistence layer used by the multiplexer
type Storage interface {
	database.AppServiceStorage
	database.RoomStorage
}

// Settings describe the user ID namespace of asmux
type Settings struct {
	MXIDPrefix string
	MXIDSuffix string
}

// Multiplexer routes events to the bridge that owns their room
type Multiplexer struct {
	settings   Settings
	storage    Storage
	websockets WebsocketDelivery
	http       HTTPDelivery

	rooms      RoomInvalidator

	workersLock sync.Mutex
	workers     map[uuid.UUID]*worker
}

// RoomInvalidator tells every asmux instance that a cached room changed
type RoomInvalidator interface {
	InvalidateRoom(ctx context.Context, id string) error
}

type delivery struct {
	ctx  context.Context
	az   *database.AppService
	evts *events.Events
	done func(ok bool)
}

// worker delivers the transactions of a single appservice one by one, in the order they
// were enqueued
type worker struct {
	pending []delivery
}

func (m *Multiplexer) enqueue(d delivery) {
	m.workersLock.Lock()
	defer m.workersLock.Unlock()
	w, running := m.workers[d.az.ID]
	if !running {
		w = &worker{}
		m.workers[d.az.ID] = w
		go m.work(d.az.ID, w)
	}
	w.pending = append(w.pending, d)
}

func (m *Multiplexer) next(azID uuid.UUID, w *worker) (delivery, bool) {
	m.workersLock.Lock()
	defer m.workersLock.Unlock()
	if len(w.pending) == 0 {
		if m.workers[azID] == w {
			delete(m.workers, azID)
		}
		return delivery{}, false
	}
	d := w.pending[0]
	w.pending = w.pending[1:]
	return d, true
}

func (m *Multiplexer) work(azID uuid.UUID, w *worker) {
	for {
		d, ok := m.next(azID, w)
		if !ok {
			return
		}
		delivered := m.deliver(d.ctx, d.az, d.evts)
		if d.done != nil {
			d.done(delivered)
		}
	}
}

// Forget drops the pending deliveries of a deleted appservice
func (m *Multiplexer) Forget(azID uuid.UUID) {
	m.workersLock.Lock()
	var dropped []delivery
	if w, ok := m.workers[azID]; ok {
		dropped = w.pending
		w.pending = nil
		delete(m.workers, azID)
	}
	m.workersLock.Unlock()
	for _, d := range dropped {
		if d.done != nil {
			d.done(false)
		}
	}
}

// PostEvents delivers a transaction to a single bridge and waits for the result. Deliveries
// to the same bridge never run concurrently and keep the order in which they were posted.
func (m *Multiplexer) PostEvents(ctx context.Context, az *database.AppService, evts *events.Events) bool {
	result := make(chan bool, 1)
	m.enqueue(delivery{ctx: ctx, az: az, evts: evts, done: func(ok bool) { result <- ok }})
	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (m *Multiplexer) deliver(ctx context.Context, az *database.AppService, evts *events.Events) bool {
	logger := logrus.WithField("appservice", az.Name()).WithField("txn_id", evts.TxnID)
	metrics.CountTypes(metrics.AcceptedEvents, az.Owner, az.Prefix, evts.Types)
	ok := false
	switch {
	case !az.Push:
		if err := m.websockets.PostEvents(ctx, az, evts); err != nil {
			logger.Errorf("Failed to queue transaction: %v", err)
		} else {
			ok = true
		}
	case az.Address != "":
		ok = m.http.PostEvents(ctx, az, evts) == "ok"
	default:
		logger.Warn("Not sending transaction: no address configured")
	}
	if ok {
		logger.Debug("Successfully sent transaction")
	}
	// Websocket deliveries are counted once the bridge acknowledges them
	if az.Push || !ok {
		metric := metrics.SuccessfulEvents
		if !ok {
			metric = metrics.FailedEvents
		}
		metrics.CountTypes(metric, az.Owner, az.Prefix, evts.Types)
	}
	return ok
}

// Ping asks the bridge for its state over whichever channel it uses
func (m *Multiplexer) Ping(ctx context.Context, az *database.AppService) bridgestate.GlobalState {
	switch {
	case !az.Push:
		return m.websockets.Ping(ctx, az)
	case az.Address != "":
		return m.http.Ping(ctx, az)
	default:
		return bridgestate.MakePingError("http-no-address", "")
	}
}

// ParseUserID extracts the owner and prefix of the bridge from one of its user IDs
func (m *Multiplexer) ParseUserID(userID string) (owner, prefix string, ok bool) {
	if !strings.HasPrefix(userID, m.settings.MXIDPrefix) || !strings.HasSuffix(userID, m.settings.MXIDSuffix) {
		return "", "", false
	}
	localpart := strings.TrimSuffix(strings.TrimPrefix(userID, m.settings.MXIDPrefix), m.settings.MXIDSuffix)
	parts := strings.SplitN(localpart, "_", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// AppServiceFromUserID finds the bridge a user ID belongs to. database.ErrNotFound is
// returned when the user ID is not in the namespace of any bridge.
func (m *Multiplexer) AppServiceFromUserID(ctx context.Context, userID string) (*database.AppService, error) {
	owner, prefix, ok := m.ParseUserID(userID)
	if !ok {
		return nil, database.ErrNotFound
	}
	return m.storage.FindAppService(ctx, owner, prefix)
}

func (m *Multiplexer) registerRoom(ctx context.Context, evt events.Event) (*database.Room, error) {
	stateKey, isState := evt.StateKey()
	if evt.Type() != "m.room.member" || !isState || !strings.HasPrefix(stateKey, m.settings.MXIDPrefix) {
		return nil, nil
	}
	az, err := m.AppServiceFromUserID(ctx, stateKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	room := &database.Room{ID: evt.RoomID(), Owner: az.ID}
	logrus.WithField("appservice", az.Name()).Debugf("Registering as the owner of %s", room.ID)
	if err := m.storage.InsertRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to register room %s: %w", room.ID, err)
	}
	return room, nil
}

// owner finds the bridge that owns the room of the event. Rooms are registered on the first
// membership event of a bridge user, deleted rooms are revived the same way.
func (m *Multiplexer) owner(ctx context.Context, evt events.Event, ephemeral bool) (*database.Room, error) {
	room, err := m.storage.GetRoom(ctx, evt.RoomID())
	if errors.Is(err, database.ErrNotFound) {
		room = nil
	} else if err != nil {
		return nil, err
	}
	if room != nil && !room.Deleted {
		return room, nil
	}
	if ephemeral {
		return nil, nil
	}
	registered, registerErr := m.registerRoom(ctx, evt)
	if registerErr != nil || registered == nil || room == nil {
		return registered, registerErr
	}
	if registered.Owner != room.Owner {
		return nil, nil
	}
	if err := m.storage.SetRoomDeleted(ctx, room, false); err != nil {
		return nil, err
	}
	logrus.WithField("room_id", room.ID).Info("Revived deleted room")
	if err := m.rooms.InvalidateRoom(ctx, room.ID); err != nil {
		logrus.Warnf("Failed to invalidate room %s on other instances: %v", room.ID, err)
	}
	return room, nil
}

type collected map[uuid.UUID]*events.Events

func (c collected) get(azID uuid.UUID, txnID string) *events.Events {
	evts, ok := c[azID]
	if !ok {
		evts = events.New(txnID)
		c[azID] = evts
	}
	return evts
}

func (m *Multiplexer) collectEvents(ctx context.Context, txnID string, evts []events.Event, output collected, ephemeral bool) error {
	for _, evt := range evts {
		metrics.ReceivedEvents.WithLabelValues(evt.Type()).Inc()
		roomID := evt.RoomID()
		if roomID == "" {
			continue
		}
		room, err := m.owner(ctx, evt, ephemeral)
		if err != nil {
			return err
		}
		if room == nil {
			logrus.WithField("txn_id", txnID).Debugf("No target found for event in %s", roomID)
			metrics.DroppedEvents.WithLabelValues(evt.Type()).Inc()
			continue
		}
		if ephemeral {
			output.get(room.Owner, txnID).AddEDU(evt)
		} else {
			output.get(room.Owner, txnID).AddPDU(evt)
		}
	}
	return nil
}

func (m *Multiplexer) collectOTKCounts(ctx context.Context, txn *events.Transaction, txnID string, output collected) error {
	for userID, count := range txn.OTKCount {
		az, err := m.AppServiceFromUserID(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		output.get(az.ID, txnID).SetOTKCount(userID, count)
	}
	return nil
}

// HandleTransaction splits a transaction of the homeserver and sends every part to its bridge.
// Deliveries run in the background, except for bridges listed in synchronous_to, whose
// results are returned.
func (m *Multiplexer) HandleTransaction(ctx context.Context, txnID string, txn *events.Transaction) (map[string]bool, error) {
	logger := logrus.WithField("txn_id", txnID)
	logger.Debugf("Received transaction with %d PDUs and %d EDUs", len(txn.Events), len(txn.Ephemeral))
	output := collected{}
	if err := m.collectEvents(ctx, txnID, txn.Events, output, false); err != nil {
		return nil, err
	}
	if err := m.collectEvents(ctx, txnID, txn.Ephemeral, output, true); err != nil {
		return nil, err
	}
	if err := m.collectOTKCounts(ctx, txn, txnID, output); err != nil {
		return nil, err
	}

	synchronous := map[string]bool{}
	for _, id := range txn.SynchronousTo() {
		synchronous[id] = true
	}
	// Deliveries outlive the request of the homeserver
	deliveryCtx := context.WithoutCancel(ctx)
	type result struct {
		id string
		ok bool
	}
	results := make(chan result, len(output))
	waitFor := 0
	for azID, evts := range output {
		az, err := m.storage.GetAppService(ctx, azID)
		if err != nil {
			logger.Warnf("Failed to get appservice %s: %v", azID, err)
			continue
		}
		logger.WithField("appservice", az.Name()).Debugf(
			"Preparing to send %d PDUs and %d EDUs", len(evts.PDU), len(evts.EDU),
		)
		wait := synchronous[azID.String()]
		if wait {
			waitFor++
		}
		d := delivery{ctx: deliveryCtx, az: az, evts: evts}
		if wait {
			d.done = func(ok bool) {
				results <- result{id: az.ID.String(), ok: ok}
			}
		}
		m.enqueue(d)
	}
	response := map[string]bool{}
	for ; waitFor > 0; waitFor-- {
		select {
		case res := <-results:
			response[res.id] = res.ok
		case <-ctx.Done():
			return response, ctx.Err()
		}
	}
	return response, nil
}

// NewMultiplexer creates Multiplexer instances
func NewMultiplexer(
	settings Settings, storage Storage, websockets WebsocketDelivery, http HTTPDelivery, rooms RoomInvalidator,
) *Multiplexer {
	return &Multiplexer{
		settings:   settings,
		storage:    storage,
		websockets: websockets,
		http:       http,
		rooms:      rooms,
		workers:    map[uuid.UUID]*worker{},
	}
}
