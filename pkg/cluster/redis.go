package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beeper/asmux/pkg/database"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var resubscribeDelay = time.Second

// RedisCluster implements Cluster using redis pub/sub
type RedisCluster struct {
	client     redis.UniversalClient
	cache      database.CacheInvalidator
	instanceID string
	handlers   handlers
}

// InvalidateAppService implements Cluster
func (c *RedisCluster) InvalidateAppService(ctx context.Context, id uuid.UUID) error {
	c.cache.InvalidateAppService(id)
	return c.publish(ctx, AppServiceCacheChannel, id.String())
}

// InvalidateRoom implements Cluster
func (c *RedisCluster) InvalidateRoom(ctx context.Context, id string) error {
	c.cache.InvalidateRoom(id)
	return c.publish(ctx, RoomCacheChannel, id)
}

// InvalidateUser implements Cluster
func (c *RedisCluster) InvalidateUser(ctx context.Context, id string) error {
	c.cache.InvalidateUser(id)
	return c.publish(ctx, UserCacheChannel, id)
}

// AnnounceWebsocket implements Cluster. Payload is "{appservice id}/{instance id}", so the
// announcing instance can ignore its own message.
func (c *RedisCluster) AnnounceWebsocket(ctx context.Context, azID uuid.UUID) error {
	return c.publish(ctx, WebsocketChannel, fmt.Sprintf("%s/%s", azID, c.instanceID))
}

// OnWebsocketReplaced implements Cluster
func (c *RedisCluster) OnWebsocketReplaced(handler WebsocketReplacedHandler) {
	c.handlers.add(handler)
}

func (c *RedisCluster) publish(ctx context.Context, channel, payload string) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Run listens for messages from other instances until ctx is done. Whenever the subscription
// breaks, all caches are dropped, since invalidations might have been missed.
func (c *RedisCluster) Run(ctx context.Context) error {
	for {
		listenErr := c.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logrus.Errorf("Redis pub/sub failure, purging caches: %v", listenErr)
		c.cache.Purge()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

func (c *RedisCluster) listen(ctx context.Context) error {
	pubsub := c.client.Subscribe(ctx, AppServiceCacheChannel, RoomCacheChannel, UserCacheChannel, WebsocketChannel)
	defer pubsub.Close()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		c.dispatch(msg.Channel, msg.Payload)
	}
}

func (c *RedisCluster) dispatch(channel, payload string) {
	switch channel {
	case AppServiceCacheChannel:
		id, parseErr := uuid.Parse(payload)
		if parseErr != nil {
			logrus.Warnf("Invalid appservice ID in cache invalidation: %q", payload)
			return
		}
		logInvalidation(channel, payload)
		c.cache.InvalidateAppService(id)
	case RoomCacheChannel:
		logInvalidation(channel, payload)
		c.cache.InvalidateRoom(payload)
	case UserCacheChannel:
		logInvalidation(channel, payload)
		c.cache.InvalidateUser(payload)
	case WebsocketChannel:
		rawID, instanceID, found := strings.Cut(payload, "/")
		if !found || instanceID == c.instanceID {
			return
		}
		id, parseErr := uuid.Parse(rawID)
		if parseErr != nil {
			logrus.Warnf("Invalid appservice ID in websocket announcement: %q", payload)
			return
		}
		c.handlers.notify(id)
	default:
		logrus.Warnf("Unexpected redis pub/sub message on %s: %s", channel, payload)
	}
}

// NewRedisCluster creates RedisCluster instances
func NewRedisCluster(client redis.UniversalClient, cache database.CacheInvalidator) *RedisCluster {
	return &RedisCluster{
		client:     client,
		cache:      cache,
		instanceID: uuid.NewString(),
	}
}
