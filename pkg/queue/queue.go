// Package queue buffers transactions for bridges that receive them over a websocket.
// Transactions stay queued until the bridge acknowledges them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// MaxPDUAge is the age after which the owner's own events are no longer delivered
	MaxPDUAge = 3 * time.Minute

	batchSize = 10
)

// ExpiredHandler is notified of PDUs that were dropped from the queue for being too old
type ExpiredHandler func(az *database.AppService, expired []events.Event)

// Batch is a set of queued transactions merged into a single one
type Batch struct {
	Events *events.Events

	ids []string
}

// Queue is a FIFO of transactions for a single appservice
type Queue interface {
	Push(ctx context.Context, evts *events.Events) error
	// Next blocks until there is something to deliver. The returned batch stays queued until
	// it is acknowledged with Ack, so the next call returns it again.
	Next(ctx context.Context) (*Batch, error)
	Ack(ctx context.Context, batch *Batch) error
	ContainsPDUs(ctx context.Context) (bool, error)
}

type entry struct {
	id      string
	payload []byte
}

// expiry is the part shared by every backend: decoding queued transactions and dropping
// expired PDUs
type expiry struct {
	az        *database.AppService
	ownerMXID string
	onExpired ExpiredHandler
	now       func() time.Time
	log       *logrus.Entry
}

func (e *expiry) decode(payload []byte) (*events.Events, error) {
	var evts events.Events
	if err := json.Unmarshal(payload, &evts); err != nil {
		return nil, fmt.Errorf("failed to decode queued transaction: %w", err)
	}
	return &evts, nil
}

// combine merges queued entries, reporting expired PDUs
func (e *expiry) combine(entries []entry) *events.Events {
	combined := events.New("")
	var expired []events.Event
	for _, queued := range entries {
		evts, decodeErr := e.decode(queued.payload)
		if decodeErr != nil {
			e.log.Errorf("Dropping queued transaction %s: %v", queued.id, decodeErr)
			continue
		}
		expired = append(expired, evts.PopExpiredPDU(e.ownerMXID, MaxPDUAge, e.now())...)
		combined.Merge(evts)
	}
	if len(expired) > 0 {
		e.log.Warnf("Dropped %d expired PDUs", len(expired))
		if e.onExpired != nil {
			go e.onExpired(e.az, expired)
		}
	}
	return combined
}

func (e *expiry) containsPDUs(entries []entry) bool {
	for _, queued := range entries {
		evts, decodeErr := e.decode(queued.payload)
		if decodeErr != nil {
			continue
		}
		// expired PDUs are only dropped for the check, Next takes care of removing them
		evts.PopExpiredPDU(e.ownerMXID, MaxPDUAge, e.now())
		if len(evts.PDU) > 0 {
			return true
		}
	}
	return false
}

func encode(evts *events.Events) ([]byte, error) {
	payload, err := json.Marshal(evts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction %s: %w", evts.TxnID, err)
	}
	return payload, nil
}

// Manager hands out queues per appservice
type Manager struct {
	lock       sync.Mutex
	queues     map[uuid.UUID]Queue
	mxidSuffix string
	onExpired  ExpiredHandler
	create     func(e *expiry) Queue
}

// Get returns the queue of given appservice
func (m *Manager) Get(az *database.AppService) Queue {
	m.lock.Lock()
	defer m.lock.Unlock()
	if q, ok := m.queues[az.ID]; ok {
		return q
	}
	q := m.create(&expiry{
		az:        az,
		ownerMXID: fmt.Sprintf("@%s%s", az.Owner, m.mxidSuffix),
		onExpired: m.onExpired,
		now:       time.Now,
		log:       logrus.WithField("appservice", az.Name()),
	})
	m.queues[az.ID] = q
	return q
}

// Remove forgets the queue of a deleted appservice
func (m *Manager) Remove(azID uuid.UUID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.queues, azID)
}

func newManager(mxidSuffix string, onExpired ExpiredHandler, create func(e *expiry) Queue) *Manager {
	return &Manager{
		queues:     map[uuid.UUID]Queue{},
		mxidSuffix: mxidSuffix,
		onExpired:  onExpired,
		create:     create,
	}
}
