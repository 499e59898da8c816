package cmd

import (
	"context"
	"fmt"

	"github.com/beeper/asmux/pkg/api"
	"github.com/beeper/asmux/pkg/appservice"
	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/clientproxy"
	"github.com/beeper/asmux/pkg/cluster"
	"github.com/beeper/asmux/pkg/config"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/httppush"
	"github.com/beeper/asmux/pkg/push"
	"github.com/beeper/asmux/pkg/queue"
	"github.com/beeper/asmux/pkg/server"
	"github.com/beeper/asmux/pkg/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// stack is every long-lived component of a running asmux instance
type stack struct {
	storage  database.Storage
	redis    *redis.Client
	cluster  cluster.Cluster
	hub      *websocket.Hub
	server   *server.Server
	reporter *bridgestate.Reporter
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, parseErr := redis.ParseURL(url)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid mux.redis URL: %w", parseErr)
	}
	client := redis.NewClient(opts)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		return nil, multierr.Combine(fmt.Errorf("could not connect to redis: %w", pingErr), client.Close())
	}
	return client, nil
}

func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	rawStorage, openErr := database.Open(ctx, cfg.Mux.Database)
	if openErr != nil {
		return nil, fmt.Errorf("could not open database: %w", openErr)
	}
	storage := database.NewCachingStorage(rawStorage)
	s := &stack{storage: storage}

	s.reporter = bridgestate.NewReporter(bridgestate.Endpoints{
		RemoteStatus: cfg.Mux.RemoteStatusEndpoint,
		BridgeStatus: cfg.Mux.BridgeStatusEndpoint,
		Checkpoints:  cfg.Mux.MessageSendCheckpointEndpoint,
	})
	onExpired := appservice.ReportExpired(s.reporter)

	var queues *queue.Manager
	if cfg.Mux.Redis != "" {
		client, redisErr := openRedis(ctx, cfg.Mux.Redis)
		if redisErr != nil {
			return nil, multierr.Combine(redisErr, storage.Close())
		}
		s.redis = client
		queues = queue.NewRedisManager(client, cfg.MXIDSuffix(), onExpired)
		s.cluster = cluster.NewRedisCluster(client, storage)
		logrus.Info("Using redis for event queues and cache invalidation")
	} else {
		queues = queue.NewMemoryManager(cfg.MXIDSuffix(), onExpired)
		s.cluster = cluster.NewLocalCluster(storage)
		logrus.Info("No redis configured, event queues are kept in memory")
	}

	s.hub = websocket.NewHub(websocket.HubDependencies{
		Queues:   queues,
		Storage:  storage,
		Cluster:  s.cluster,
		Reporter: s.reporter,
		SyncProxy: websocket.NewSyncProxy(websocket.SyncProxySettings{
			URL:          cfg.Mux.SyncProxy.URL,
			Token:        cfg.Mux.SyncProxy.Token,
			AsmuxAddress: cfg.Mux.SyncProxy.AsmuxAddress,
			HSToken:      cfg.AppService.HSToken,
			MXIDPrefix:   cfg.MXIDPrefix(),
			MXIDSuffix:   cfg.MXIDSuffix(),
		}),
		Waker: push.NewWaker(),
	})
	multiplexer := appservice.NewMultiplexer(
		appservice.Settings{MXIDPrefix: cfg.MXIDPrefix(), MXIDSuffix: cfg.MXIDSuffix()},
		storage,
		s.hub,
		httppush.NewPusher(cfg.MXIDSuffix()),
		s.cluster,
	)

	proxy, proxyErr := clientproxy.NewProxy(clientproxy.Settings{
		Homeserver: cfg.Homeserver.Address,
		ASToken:    cfg.AppService.ASToken,
		MXIDPrefix: cfg.MXIDPrefix(),
		MXIDSuffix: cfg.MXIDSuffix(),
	}, storage)
	if proxyErr != nil {
		return nil, multierr.Combine(proxyErr, s.close())
	}

	deps := api.AppServiceDependencies{
		Storage:      storage,
		Invalidator:  s.cluster,
		Pinger:       multiplexer,
		Commander:    s.hub,
		Disconnector: s.hub,
		OnDelete: []func(azID uuid.UUID){
			queues.Remove,
			multiplexer.Forget,
		},
	}
	management := api.NewManagementAPI(
		api.NewAuthenticator(cfg.Mux.SharedSecret, storage),
		[]api.Controller{
			api.NewUsersController(deps),
			api.NewAppServicesController(api.Settings{
				MXIDPrefix:        cfg.MXIDPrefix(),
				MXIDSuffix:        cfg.MXIDSuffix(),
				LoginSharedSecret: cfg.Mux.LoginSharedSecret,
			}, deps),
		},
	)

	s.server = server.NewServer(server.Settings{
		Address: cfg.ListenAddress(),
		HSToken: cfg.AppService.HSToken,
	}, server.Dependencies{
		Transactions: multiplexer,
		Websockets:   s.hub,
		ClientProxy:  proxy,
		Storage:      storage,
		Management:   management,
	})
	return s, nil
}

// run serves until ctx is done or the HTTP server fails
func (s *stack) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.server.Listen)
	g.Go(func() error {
		return s.cluster.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down")
		return s.server.Shutdown(context.Background())
	})
	return g.Wait()
}

func (s *stack) close() error {
	var err error
	if s.redis != nil {
		err = multierr.Append(err, s.redis.Close())
	}
	return multierr.Append(err, s.storage.Close())
}
