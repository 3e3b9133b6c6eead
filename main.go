package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leetbattle/botfleet/internal/cleanup"
	"github.com/leetbattle/botfleet/internal/commands"
	"github.com/leetbattle/botfleet/internal/config"
	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/health"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/leader"
	"github.com/leetbattle/botfleet/internal/lifecycle"
	"github.com/leetbattle/botfleet/internal/prune"
	"github.com/leetbattle/botfleet/internal/reconcile"
	"github.com/leetbattle/botfleet/internal/registry"
)

func main() {
	cfg := config.Load()
	log.Printf("botfleet: starting %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Coordination store. NewRedisClient preloads the atomic Lua scripts
	// (cycle guard acquire, leader extend) before returning, and dials a
	// cluster client instead of a single node when COORD_CLUSTER_NODES is set.
	coordClient, err := coord.NewRedisClient(ctx, cfg.CoordAddr, cfg.CoordPassword, cfg.CoordDB, cfg.CoordClusterNodes)
	if err != nil {
		log.Fatalf("botfleet: coordination store connect failed: %v", err)
	}
	defer coordClient.Close()
	log.Printf("botfleet: connected to coordination store at %s", cfg.CoordAddr)

	// 2. Document store: read-only bot registry.
	reg, err := registry.NewPostgresReader(ctx, cfg.DocStoreURI)
	if err != nil {
		log.Fatalf("botfleet: document store connect failed: %v", err)
	}
	defer reg.Close()

	// 3. Game server clients.
	gameHTTP := gameserver.NewHTTPClient(cfg.GameServerBaseURL, cfg.BotServiceSecret)
	// The WS client needs a ws:// or wss:// URL: it is the game-server base
	// URL with its scheme switched.
	wsBaseURL := cfg.GameServerBaseURL
	switch {
	case strings.HasPrefix(wsBaseURL, "https://"):
		wsBaseURL = "wss://" + strings.TrimPrefix(wsBaseURL, "https://")
	case strings.HasPrefix(wsBaseURL, "http://"):
		wsBaseURL = "ws://" + strings.TrimPrefix(wsBaseURL, "http://")
	}
	gameWS := gameserver.NewWSClient(wsBaseURL, cfg.BotServiceSecret)

	cleanupEngine := cleanup.New(coordClient, gameHTTP)
	driver := lifecycle.New(coordClient, cleanupEngine, gameHTTP, gameWS, reg)
	pruner := prune.New(coordClient, cleanupEngine, reg)

	controller := reconcile.New(coordClient, gameHTTP, driver, pruner, cfg.DeployCheckInterval, cfg.ExtraBotWaitThreshold)
	driver.TriggerReconcile = controller.TriggerTick
	pruner.TriggerReconcile = controller.TriggerTick

	// 4. Health/metrics/debug HTTP surface, up before the command subscriber
	// and leader election start.
	elector := leader.New(coordClient, cfg.InstanceID, cfg.LeaderTTL)
	healthSrv := health.New(fmt.Sprintf(":%d", cfg.HealthPort), coordClient, func() health.LeadershipView {
		return health.LeadershipView{
			IsLeader:    elector.IsLeader(),
			InstanceID:  elector.InstanceID(),
			LastRenewal: elector.LastRenewal(),
		}
	}, cfg.InstanceID)
	healthSrv.Start()
	log.Printf("botfleet: health endpoint listening on :%d", cfg.HealthPort)

	// 5. Command subscriber, active regardless of leadership state — it
	// checks isLeader per message and discards on followers.
	subscriber := commands.New(coordClient, controller, elector.IsLeader)
	subscriber.SetCallbacks(
		func(ctx context.Context) { controller.TriggerTick() },
		func(ctx context.Context, botIDs []string) {
			deployed, err := coordClient.SMembers(ctx, keys.BotsDeployed)
			if err != nil {
				log.Printf("botfleet: full stop: list deployed failed: %v", err)
				return
			}
			for _, id := range deployed {
				if err := coordClient.SRem(ctx, keys.BotsDeployed, id); err != nil {
					log.Printf("botfleet: full stop: srem %s failed: %v", id, err)
				}
			}
		},
	)
	if err := subscriber.Start(ctx); err != nil {
		log.Fatalf("botfleet: command subscription failed: %v", err)
	}
	defer subscriber.Stop()

	// 6. Leader election. T1/T2 only run while this instance holds the lease.
	elector.SetCallbacks(
		func(ctx context.Context) {
			log.Println("botfleet: promoted to leader, starting reconciliation and pruning")
			controller.Start(ctx)
			pruner.Start(ctx, cfg.QueuePruneInterval)
		},
		func() {
			log.Println("botfleet: demoted, stopping reconciliation and pruning")
			controller.Stop()
			pruner.Stop()
		},
	)
	elector.Start(ctx)

	log.Printf("botfleet: instance %s ready", cfg.InstanceID)

	<-ctx.Done()
	log.Println("botfleet: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	elector.Stop()
	subscriber.Stop()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("botfleet: health server shutdown: %v", err)
	}

	log.Println("botfleet: shutdown complete")
}
