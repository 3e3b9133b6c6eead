// Package prune implements the pruner and limbo recovery sweep (T2): the
// leader-only janitor that recovers bots from stale guards, stale deployed
// membership, and full limbo (present nowhere the controller is looking).
package prune

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/leetbattle/botfleet/internal/cleanup"
	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/observability"
	"github.com/leetbattle/botfleet/internal/registry"
	"github.com/leetbattle/botfleet/internal/safeop"
)

const maxCyclingTime = 5 * time.Minute

// Pruner runs the three leader-only sweeps described in spec §4.9.
type Pruner struct {
	client  coord.Client
	cleanup *cleanup.Engine
	reg     registry.Reader

	// TriggerReconcile is invoked after a sweep recycles at least one bot.
	TriggerReconcile func()

	now func() time.Time

	cancel context.CancelFunc
}

func New(client coord.Client, eng *cleanup.Engine, reg registry.Reader) *Pruner {
	return &Pruner{client: client, cleanup: eng, reg: reg, now: time.Now}
}

// Start runs all three sweeps every interval until ctx is cancelled or Stop
// is called. Called only while this instance holds the leader lease.
func (p *Pruner) Start(ctx context.Context, interval time.Duration) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.PruneStaleCyclingBots(loopCtx)
				recycled := p.PruneDeployedBots(loopCtx)
				recycled += p.RecoverLimboBots(loopCtx)
				if recycled > 0 && p.TriggerReconcile != nil {
					p.TriggerReconcile()
				}
			}
		}
	}()
}

// Stop halts the sweep loop. Called from onLoseLeadership so a demoted
// instance stops mutating shared coord state.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// PruneStaleCyclingBots enumerates bots:cycling and clears guards that are
// orphaned (no companion string) or expired (acquiredAt older than
// MAX_CYCLING_TIME_MS). A bot demonstrably still active loses only the
// stale guard (the guard string and its bots:cycling membership); an
// otherwise-idle bot is fully cleaned up and rotated to the tail of the queue.
func (p *Pruner) PruneStaleCyclingBots(ctx context.Context) int {
	ids, err := p.client.SMembers(ctx, keys.BotsCycling)
	if err != nil {
		log.Printf("[prune] list cycling failed: %v", err)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		guardVal, err := p.client.Get(ctx, keys.CyclingGuard(id))
		if err != nil {
			continue
		}
		ok := guardVal != ""

		stale := !ok
		if ok {
			acquiredAt, parseErr := strconv.ParseInt(guardVal, 10, 64)
			if parseErr == nil && p.now().Sub(time.UnixMilli(acquiredAt)) > maxCyclingTime {
				stale = true
			}
		}
		if !stale {
			continue
		}

		active, _ := p.client.SIsMember(ctx, keys.BotsActive, id)
		currentMatch, _ := p.client.Get(ctx, keys.CurrentMatch(id))
		reservation, _ := p.client.Get(ctx, keys.QueueReservation(id))
		demonstrablyActive := active || currentMatch != "" || reservation != ""

		if demonstrablyActive {
			safeop.Run("prune.clear_stale_guard", func() error {
				return p.client.Del(ctx, keys.CyclingGuard(id))
			})
			safeop.Run("prune.srem_cycling", func() error {
				return p.client.SRem(ctx, keys.BotsCycling, id)
			})
		} else {
			p.cleanup.CleanupBotState(ctx, id, "stale cycling guard")
			safeop.Run("prune.lrem_rotation", func() error {
				return p.client.LRem(ctx, keys.RotationQueue, 0, id)
			})
			safeop.Run("prune.rpush_rotation", func() error {
				return p.client.RPush(ctx, keys.RotationQueue, id)
			})
		}
		recovered++
		observability.PrunerRecovered.WithLabelValues("stale_cycling").Inc()
	}
	return recovered
}

// PruneDeployedBots removes bots:deployed members that carry no sign of
// in-progress activity and are not currently cycling within
// MAX_CYCLING_TIME_MS, moving them back to the tail of the rotation queue.
func (p *Pruner) PruneDeployedBots(ctx context.Context) int {
	ids, err := p.client.SMembers(ctx, keys.BotsDeployed)
	if err != nil {
		log.Printf("[prune] list deployed failed: %v", err)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		if p.hasAnyActivitySign(ctx, id) {
			continue
		}
		if p.isCyclingFresh(ctx, id) {
			continue
		}

		safeop.Run("prune.srem_deployed", func() error {
			return p.client.SRem(ctx, keys.BotsDeployed, id)
		})
		safeop.Run("prune.clear_guard_deployed", func() error {
			return p.client.Del(ctx, keys.CyclingGuard(id))
		})
		safeop.Run("prune.lrem_rotation_deployed", func() error {
			return p.client.LRem(ctx, keys.RotationQueue, 0, id)
		})
		safeop.Run("prune.rpush_rotation_deployed", func() error {
			return p.client.RPush(ctx, keys.RotationQueue, id)
		})
		recovered++
		observability.PrunerRecovered.WithLabelValues("stale_deployed").Inc()
	}
	return recovered
}

func (p *Pruner) hasAnyActivitySign(ctx context.Context, id string) bool {
	if _, inQueue, err := p.client.ZScore(ctx, keys.QueueElo, id); err == nil && inQueue {
		return true
	}
	if v, err := p.client.Get(ctx, keys.BotState(id)); err == nil && v != "" {
		return true
	}
	if v, err := p.client.Get(ctx, keys.QueueReservation(id)); err == nil && v != "" {
		return true
	}
	if active, err := p.client.SIsMember(ctx, keys.BotsActive, id); err == nil && active {
		return true
	}
	return false
}

func (p *Pruner) isCyclingFresh(ctx context.Context, id string) bool {
	guardVal, err := p.client.Get(ctx, keys.CyclingGuard(id))
	if err != nil || guardVal == "" {
		return false
	}
	acquiredAt, err := strconv.ParseInt(guardVal, 10, 64)
	if err != nil {
		return false
	}
	return p.now().Sub(time.UnixMilli(acquiredAt)) <= maxCyclingTime
}

// RecoverLimboBots enumerates the full bot registry and appends to the
// rotation queue any bot present in none of the controller-tracked
// locations, or only behind a stale bot:current_match pointer. Returns the
// count recovered.
func (p *Pruner) RecoverLimboBots(ctx context.Context) int {
	ids, err := p.reg.ListIDs(ctx)
	if err != nil {
		log.Printf("[prune] list registry failed: %v", err)
		return 0
	}

	activeMatches, err := p.client.SMembers(ctx, keys.MatchesActive)
	if err != nil {
		log.Printf("[prune] list active matches failed: %v", err)
		activeMatches = nil
	}
	liveMatches := make(map[string]struct{}, len(activeMatches))
	for _, m := range activeMatches {
		liveMatches[m] = struct{}{}
	}

	recovered := 0
	for _, id := range ids {
		deployed, _ := p.client.SIsMember(ctx, keys.BotsDeployed, id)
		active, _ := p.client.SIsMember(ctx, keys.BotsActive, id)
		cycling, _ := p.client.SIsMember(ctx, keys.BotsCycling, id)
		rotationQueue, _ := p.client.LRange(ctx, keys.RotationQueue, 0, -1)
		inRotation := containsID(rotationQueue, id)
		_, inQueue, _ := p.client.ZScore(ctx, keys.QueueElo, id)
		reservation, _ := p.client.Get(ctx, keys.QueueReservation(id))
		currentMatch, _ := p.client.Get(ctx, keys.CurrentMatch(id))

		if deployed || active || cycling || inRotation || inQueue || reservation != "" {
			continue
		}

		staleMatchPointer := currentMatch != ""
		if staleMatchPointer {
			if _, live := liveMatches[currentMatch]; live {
				continue
			}
		}

		if staleMatchPointer {
			safeop.Run("prune.clear_stale_match_pointer", func() error {
				return p.client.Del(ctx, keys.CurrentMatch(id))
			})
		}
		safeop.Run("prune.rpush_limbo", func() error {
			return p.client.RPush(ctx, keys.RotationQueue, id)
		})
		recovered++
		observability.PrunerRecovered.WithLabelValues("limbo").Inc()
	}
	return recovered
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
