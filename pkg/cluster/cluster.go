// Package cluster keeps several asmux instances coherent: cached entities are invalidated on
// every instance when one of them changes, and a bridge websocket is only kept open on the
// instance it connected to most recently.
package cluster

import (
	"context"
	"sync"

	"github.com/beeper/asmux/pkg/database"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pub/sub channel names
const (
	AppServiceCacheChannel = "appservice-cache-invalidation"
	RoomCacheChannel       = "room-cache-invalidation"
	UserCacheChannel       = "user-cache-invalidation"
	WebsocketChannel       = "appservice-websocket-replaced"
)

// WebsocketReplacedHandler is called when another instance accepted a websocket for given
// appservice
type WebsocketReplacedHandler func(azID uuid.UUID)

// Cluster broadcasts changes to other asmux instances
type Cluster interface {
	InvalidateAppService(ctx context.Context, id uuid.UUID) error
	InvalidateRoom(ctx context.Context, id string) error
	InvalidateUser(ctx context.Context, id string) error
	AnnounceWebsocket(ctx context.Context, azID uuid.UUID) error
	OnWebsocketReplaced(handler WebsocketReplacedHandler)
	Run(ctx context.Context) error
}

type handlers struct {
	lock              sync.RWMutex
	websocketReplaced []WebsocketReplacedHandler
}

func (h *handlers) add(handler WebsocketReplacedHandler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.websocketReplaced = append(h.websocketReplaced, handler)
}

func (h *handlers) notify(azID uuid.UUID) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	for _, handler := range h.websocketReplaced {
		handler(azID)
	}
}

// LocalCluster is used when asmux runs as a single instance, it only touches the local cache
type LocalCluster struct {
	cache database.CacheInvalidator
}

// InvalidateAppService implements Cluster
func (c *LocalCluster) InvalidateAppService(_ context.Context, id uuid.UUID) error {
	c.cache.InvalidateAppService(id)
	return nil
}

// InvalidateRoom implements Cluster
func (c *LocalCluster) InvalidateRoom(_ context.Context, id string) error {
	c.cache.InvalidateRoom(id)
	return nil
}

// InvalidateUser implements Cluster
func (c *LocalCluster) InvalidateUser(_ context.Context, id string) error {
	c.cache.InvalidateUser(id)
	return nil
}

// AnnounceWebsocket implements Cluster
func (c *LocalCluster) AnnounceWebsocket(context.Context, uuid.UUID) error {
	return nil
}

// OnWebsocketReplaced implements Cluster, there are no other instances to hear from
func (c *LocalCluster) OnWebsocketReplaced(WebsocketReplacedHandler) {}

// Run implements Cluster
func (c *LocalCluster) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// NewLocalCluster creates LocalCluster instances
func NewLocalCluster(cache database.CacheInvalidator) *LocalCluster {
	return &LocalCluster{cache: cache}
}

func logInvalidation(channel, id string) {
	logrus.WithField("channel", channel).Debugf("Invalidating %s", id)
}
