// Package reconcile implements the reconciliation controller (T1): the
// leader-only loop that keeps the deployed bot count matched to queue
// pressure and human wait time.
package reconcile

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/observability"
	"github.com/leetbattle/botfleet/internal/prune"
	"github.com/leetbattle/botfleet/internal/safeop"
)

// Config mirrors bots:rotation:config's recognized keys, with the spec's
// documented defaults.
type Config struct {
	MinDeployed        int
	TotalBots          int
	DeployDelay        time.Duration
	InitialJoinDelay   time.Duration
}

func defaultConfig() Config {
	return Config{MinDeployed: 5, TotalBots: 0, DeployDelay: 200 * time.Millisecond, InitialJoinDelay: 250 * time.Millisecond}
}

// Deployer is the subset of the lifecycle driver the controller needs:
// deploying one popped bot id with the configured join-settle delay.
type Deployer interface {
	Deploy(ctx context.Context, botID string, joinDelay time.Duration)
}

// Controller runs periodic and event-triggered reconciliation ticks.
type Controller struct {
	client   coord.Client
	game     *gameserver.HTTPClient
	deployer Deployer
	pruner   *prune.Pruner

	extraBotWaitThreshold time.Duration
	tickInterval          time.Duration

	tickCh chan struct{}
	cancel context.CancelFunc
}

func New(client coord.Client, game *gameserver.HTTPClient, deployer Deployer, pruner *prune.Pruner, tickInterval, extraBotWaitThreshold time.Duration) *Controller {
	return &Controller{
		client:                client,
		game:                  game,
		deployer:              deployer,
		pruner:                pruner,
		extraBotWaitThreshold: extraBotWaitThreshold,
		tickInterval:          tickInterval,
		tickCh:                make(chan struct{}, 1),
	}
}

// TriggerTick requests an out-of-band reconciliation tick, coalescing with
// any already-pending request.
func (c *Controller) TriggerTick() {
	select {
	case c.tickCh <- struct{}{}:
	default:
	}
}

// Start runs the periodic + event-triggered tick loop until ctx is
// cancelled. Called only while this instance holds the leader lease.
func (c *Controller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.loop(loopCtx)
}

func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		case <-c.tickCh:
			c.Tick(ctx)
		}
	}
}

func (c *Controller) loadConfig(ctx context.Context) Config {
	cfg := defaultConfig()
	fields, err := c.client.HGetAll(ctx, keys.RotationConfig)
	if err != nil {
		log.Printf("[reconcile] load config failed, using defaults: %v", err)
		return cfg
	}
	if v, ok := fields["minDeployed"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinDeployed = n
		}
	}
	if v, ok := fields["totalBots"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TotalBots = n
		}
	}
	if v, ok := fields["deployDelayMs"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeployDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := fields["initialJoinDelayMs"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InitialJoinDelay = time.Duration(n) * time.Millisecond
		}
	}
	return cfg
}

// Tick runs one reconciliation pass: compute toDeploy/undeploy and act.
func (c *Controller) Tick(ctx context.Context) {
	cfg := c.loadConfig(ctx)

	currentDeployed, err := c.client.SCard(ctx, keys.BotsDeployed)
	if err != nil {
		log.Printf("[reconcile] scard deployed failed: %v", err)
		return
	}
	currentActive, err := c.client.SCard(ctx, keys.BotsActive)
	if err != nil {
		log.Printf("[reconcile] scard active failed: %v", err)
		return
	}
	effective := int(currentDeployed + currentActive)

	rotationQueue, err := c.client.LRange(ctx, keys.RotationQueue, 0, -1)
	if err != nil {
		log.Printf("[reconcile] list rotation queue failed: %v", err)
		return
	}

	observability.BotsDeployed.Set(float64(currentDeployed))
	observability.BotsActive.Set(float64(currentActive))
	observability.BotsQueueLength.Set(float64(len(rotationQueue)))

	queueSize, err := c.game.QueueSize(ctx)
	if err != nil {
		log.Printf("[reconcile] queue size fetch failed: %v", err)
		return
	}
	generalStats, err := c.game.GeneralStats(ctx)
	if err != nil {
		log.Printf("[reconcile] general stats fetch failed: %v", err)
		return
	}

	// Stale API data collapses decisions to "hold minimum": this
	// deliberately prevents over-deployment during game-server outages.
	queuedHumans := generalStats.QueuedHumansCount
	botsInQueue := queueSize.BotsInQueue
	if generalStats.IsStale {
		queuedHumans = 0
	}
	if queueSize.IsStale {
		botsInQueue = 0
	}

	toDeploy := c.decideToDeploy(cfg, effective, queuedHumans, botsInQueue, generalStats.LongestHumanWaitMs)

	if toDeploy > 0 {
		c.deploy(ctx, toDeploy, cfg.DeployDelay, cfg.InitialJoinDelay)
		observability.ReconcileDecisions.WithLabelValues("deploy").Inc()
		return
	}

	c.considerUndeploy(ctx, cfg, effective, queuedHumans)
}

func (c *Controller) decideToDeploy(cfg Config, effective, queuedHumans, botsInQueue, longestWaitMs int) int {
	var toDeploy int
	switch {
	case effective < cfg.MinDeployed:
		toDeploy = cfg.MinDeployed - effective
	case queuedHumans > 0 && time.Duration(longestWaitMs)*time.Millisecond > c.extraBotWaitThreshold:
		toDeploy = queuedHumans - botsInQueue
		if toDeploy < 0 {
			toDeploy = 0
		}
	default:
		toDeploy = 0
	}

	if cfg.TotalBots > 0 {
		if cfg.TotalBots < cfg.MinDeployed {
			log.Printf("[reconcile] totalBots=%d is below minDeployed=%d, deploying up to totalBots only", cfg.TotalBots, cfg.MinDeployed)
		}
		room := cfg.TotalBots - effective
		if room < 0 {
			room = 0
		}
		if toDeploy > room {
			toDeploy = room
		}
	}
	return toDeploy
}

func (c *Controller) deploy(ctx context.Context, toDeploy int, deployDelay, joinDelay time.Duration) {
	for i := 0; i < toDeploy; i++ {
		if i > 0 {
			time.Sleep(deployDelay)
		}

		botID, ok, err := c.popRotationHead(ctx)
		if err != nil {
			log.Printf("[reconcile] pop rotation queue failed: %v", err)
			return
		}
		if !ok {
			if i == 0 && c.pruner != nil {
				c.pruner.RecoverLimboBots(ctx)
				botID, ok, err = c.popRotationHead(ctx)
				if err != nil || !ok {
					return
				}
			} else {
				return
			}
		}

		go c.deployer.Deploy(ctx, botID, joinDelay)
	}
}

func (c *Controller) popRotationHead(ctx context.Context) (string, bool, error) {
	return c.client.LPop(ctx, keys.RotationQueue)
}

func (c *Controller) considerUndeploy(ctx context.Context, cfg Config, effective, queuedHumans int) {
	excess := effective - cfg.MinDeployed
	if excess <= 0 || queuedHumans != 0 {
		return
	}

	deployed, err := c.client.SMembers(ctx, keys.BotsDeployed)
	if err != nil {
		log.Printf("[reconcile] list deployed failed: %v", err)
		return
	}

	undeployed := 0
	for _, botID := range deployed {
		if undeployed >= excess {
			break
		}
		active, err := c.client.SIsMember(ctx, keys.BotsActive, botID)
		if err != nil || active {
			continue
		}
		reservation, err := c.client.Get(ctx, keys.QueueReservation(botID))
		if err != nil || reservation != "" {
			continue
		}
		if _, inQueue, err := c.client.ZScore(ctx, keys.QueueElo, botID); err != nil || inQueue {
			continue
		}

		c.undeployBot(ctx, botID)
		undeployed++
	}
	if undeployed > 0 {
		observability.ReconcileDecisions.WithLabelValues("undeploy").Inc()
	} else {
		observability.ReconcileDecisions.WithLabelValues("hold").Inc()
	}
}

func (c *Controller) undeployBot(ctx context.Context, botID string) {
	safeop.Run("reconcile.srem_deployed", func() error {
		return c.client.SRem(ctx, keys.BotsDeployed, botID)
	})
	safeop.Run("reconcile.lrem_rotation", func() error {
		return c.client.LRem(ctx, keys.RotationQueue, 0, botID)
	})
	safeop.Run("reconcile.rpush_rotation", func() error {
		return c.client.RPush(ctx, keys.RotationQueue, botID)
	})
	safeop.Run("reconcile.release_guard", func() error {
		return c.client.Del(ctx, keys.CyclingGuard(botID))
	})
}
