// Package lifecycle drives one bot through a single deploy cycle (M4):
// Idle -> Guarded -> Joining -> Queued -> Matched -> Playing -> Completed,
// with any failure branching to Recycled.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leetbattle/botfleet/internal/cleanup"
	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/observability"
	"github.com/leetbattle/botfleet/internal/registry"
	"github.com/leetbattle/botfleet/internal/safeop"
)

const (
	maxCyclingTime = 5 * time.Minute
	cyclingGuardTTL = 6 * time.Minute
	stateTTL        = time.Hour
	matchWaitTimeout = 5 * time.Minute
)

// Driver runs deploy cycles for individual bots. One Driver instance is
// shared across all concurrently-cycling bots; exclusivity per bot comes
// from the coordination store's cycle guard, not from in-process state.
type Driver struct {
	client   coord.Client
	cleanup  *cleanup.Engine
	gameHTTP *gameserver.HTTPClient
	gameWS   *gameserver.WSClient
	reg      registry.Reader

	// TriggerReconcile nudges T1 to run an extra tick outside its normal
	// interval, e.g. after a recycle frees up rotation capacity.
	TriggerReconcile func()

	now func() time.Time
}

func New(client coord.Client, eng *cleanup.Engine, gameHTTP *gameserver.HTTPClient, gameWS *gameserver.WSClient, reg registry.Reader) *Driver {
	return &Driver{
		client:   client,
		cleanup:  eng,
		gameHTTP: gameHTTP,
		gameWS:   gameWS,
		reg:      reg,
		now:      time.Now,
	}
}

type snapshot struct {
	reservation  string
	active       bool
	inQueue      bool
	currentMatch string
}

func (d *Driver) observe(ctx context.Context, botID string) (snapshot, error) {
	var s snapshot
	var err error

	s.reservation, err = d.client.Get(ctx, keys.QueueReservation(botID))
	if err != nil {
		return s, fmt.Errorf("lifecycle: observe reservation: %w", err)
	}
	s.active, err = d.client.SIsMember(ctx, keys.BotsActive, botID)
	if err != nil {
		return s, fmt.Errorf("lifecycle: observe active: %w", err)
	}
	_, inQueue, err := d.client.ZScore(ctx, keys.QueueElo, botID)
	if err != nil {
		return s, fmt.Errorf("lifecycle: observe queue membership: %w", err)
	}
	s.inQueue = inQueue
	s.currentMatch, err = d.client.Get(ctx, keys.CurrentMatch(botID))
	if err != nil {
		return s, fmt.Errorf("lifecycle: observe current match: %w", err)
	}
	return s, nil
}

func (s snapshot) hasStaleState() bool {
	return s.reservation != "" || s.active || s.inQueue || s.currentMatch != ""
}

// Deploy runs one full deploy cycle for botID, from Idle through to
// Completed or Recycled. It blocks until the cycle ends, so callers run
// it as its own goroutine/task per bot. joinDelay is T1's
// initialJoinDelayMs: the settle window held open after the queue-room
// join before the bot is considered queued (spec §4.8/§6).
func (d *Driver) Deploy(ctx context.Context, botID string, joinDelay time.Duration) {
	guardKey := keys.CyclingGuard(botID)

	acquired, err := d.client.AcquireCycleGuard(ctx, guardKey, d.now(), maxCyclingTime, cyclingGuardTTL)
	if err != nil {
		log.Printf("[lifecycle] %s: acquire cycle guard failed: %v", botID, err)
		return
	}
	if !acquired {
		// Already owned by another deploy cycle.
		return
	}

	safeop.Run("lifecycle.sadd_cycling", func() error {
		return d.client.SAdd(ctx, keys.BotsCycling, botID)
	})

	snap, err := d.observe(ctx, botID)
	if err != nil {
		log.Printf("[lifecycle] %s: observe failed: %v", botID, err)
		d.releaseGuardOnly(ctx, botID)
		return
	}
	if snap.currentMatch != "" {
		log.Printf("[lifecycle] %s: abort, already in match", botID)
		d.releaseGuardOnly(ctx, botID)
		return
	}
	if snap.hasStaleState() {
		d.cleanup.CleanupBotState(ctx, botID, "stale before deploy")
	}

	safeop.Run("lifecycle.sadd_deployed", func() error {
		return d.client.SAdd(ctx, keys.BotsDeployed, botID)
	})

	bot, ok, err := d.reg.Get(ctx, botID)
	if err != nil || !ok {
		if err != nil {
			log.Printf("[lifecycle] %s: registry lookup failed: %v", botID, err)
		}
		safeop.Run("lifecycle.undo_deployed", func() error {
			return d.client.SRem(ctx, keys.BotsDeployed, botID)
		})
		d.releaseGuardOnly(ctx, botID)
		return
	}

	d.runJob(ctx, botID, bot, joinDelay)
}

// runJob is the scheduled per-bot job body: Guarded -> Joining and
// everything downstream.
func (d *Driver) runJob(ctx context.Context, botID string, bot registry.Bot, joinDelay time.Duration) {
	deployed, err := d.client.SIsMember(ctx, keys.BotsDeployed, botID)
	if err != nil || !deployed {
		d.releaseGuardOnly(ctx, botID)
		return
	}

	snap, err := d.observe(ctx, botID)
	if err != nil {
		d.releaseGuardOnly(ctx, botID)
		return
	}
	if snap.hasStaleState() {
		d.releaseGuardOnly(ctx, botID)
		return
	}

	safeop.Run("lifecycle.pre_join_purge", func() error {
		d.cleanup.ClearBotQueueState(ctx, botID, "pre-join purge")
		return nil
	})

	room, err := gameserver.JoinQueueRoom(ctx, d.gameWS, botID, float64(bot.Rating))
	if err != nil {
		d.recycle(ctx, botID, "queue room error")
		return
	}

	errCh := make(chan gameserver.RoomEvent, 1)
	matchCh := make(chan gameserver.RoomEvent, 1)
	go func() {
		for ev := range room.Events() {
			switch ev.Kind {
			case gameserver.EventError:
				select {
				case errCh <- ev:
				default:
				}
			case gameserver.EventMatchFound:
				select {
				case matchCh <- ev:
				default:
				}
			}
		}
	}()

	settleTimer := time.NewTimer(joinDelay)
	defer settleTimer.Stop()
	select {
	case <-errCh:
		room.Close()
		d.recycle(ctx, botID, "queue room error")
		return
	case <-settleTimer.C:
	}

	safeop.Run("lifecycle.set_state_queued", func() error {
		_, err := d.client.Set(ctx, keys.BotState(botID), "queued", coord.SetOptions{TTL: stateTTL})
		return err
	})

	_, inQueue, err := d.client.ZScore(ctx, keys.QueueElo, botID)
	if err != nil || !inQueue {
		room.Close()
		d.recycle(ctx, botID, "missing queue membership")
		return
	}

	d.awaitMatch(ctx, botID, bot, room, errCh, matchCh)
}

func (d *Driver) awaitMatch(ctx context.Context, botID string, bot registry.Bot, queueRoom *gameserver.Room, errCh, matchCh chan gameserver.RoomEvent) {
	timer := time.NewTimer(matchWaitTimeout)
	defer timer.Stop()

	select {
	case <-errCh:
		// The event goroutine in runJob only forwards the error; this
		// goroutine performs the terminal transition.
		queueRoom.Close()
		d.recycle(ctx, botID, "queue room error")
		return
	case <-timer.C:
		queueRoom.Close()
		d.recycle(ctx, botID, "match wait timeout")
		return
	case ev := <-matchCh:
		d.onMatchFound(ctx, botID, bot, queueRoom, ev)
	case <-ctx.Done():
		queueRoom.Close()
		d.recycle(ctx, botID, "shutdown")
	}
}

func (d *Driver) onMatchFound(ctx context.Context, botID string, bot registry.Bot, queueRoom *gameserver.Room, ev gameserver.RoomEvent) {
	safeop.Run("lifecycle.sadd_active", func() error {
		return d.client.SAdd(ctx, keys.BotsActive, botID)
	})

	reservation, err := d.client.Get(ctx, keys.QueueReservation(botID))
	if err != nil || reservation == "" {
		queueRoom.Close()
		d.recycle(ctx, botID, "reservation expired")
		return
	}

	matchRoom, err := gameserver.JoinMatchRoom(ctx, d.gameWS, botID, ev.RoomID)
	if err != nil {
		queueRoom.Close()
		d.recycle(ctx, botID, "match room join failed")
		return
	}

	// Match join before queue leave is mandatory to avoid reservation
	// expiry mid-handoff.
	if _, stillQueued, _ := d.client.ZScore(ctx, keys.QueueElo, botID); stillQueued {
		safeop.Run("lifecycle.zrem_elo", func() error {
			return d.client.ZRem(ctx, keys.QueueElo, botID)
		})
	}
	safeop.Run("lifecycle.srem_deployed_on_match", func() error {
		return d.client.SRem(ctx, keys.BotsDeployed, botID)
	})
	safeop.Run("lifecycle.set_state_matched", func() error {
		_, err := d.client.Set(ctx, keys.BotState(botID), "matched", coord.SetOptions{TTL: stateTTL})
		return err
	})
	queueRoom.Close()

	d.playMatch(ctx, botID, matchRoom)
}

func (d *Driver) playMatch(ctx context.Context, botID string, matchRoom *gameserver.Room) {
	safeop.Run("lifecycle.set_state_playing", func() error {
		_, err := d.client.Set(ctx, keys.BotState(botID), "playing", coord.SetOptions{TTL: stateTTL})
		return err
	})

	for {
		select {
		case ev, open := <-matchRoom.Events():
			if !open || ev.Kind == gameserver.EventLeave {
				d.completeMatch(ctx, botID)
				return
			}
			if ev.Kind == gameserver.EventError {
				matchRoom.Close()
				d.recycle(ctx, botID, "match room error")
				return
			}
			// match_init / code_update are no-op acknowledgements.
		case <-ctx.Done():
			matchRoom.Close()
			d.recycle(ctx, botID, "shutdown")
			return
		}
	}
}

// completeMatch runs the Playing -> Completed transition. It deliberately
// does not publish any completion event: the game server publishes
// botMatchComplete once it has atomically removed the bot from
// bots:active, and a second publish here would double-rotate the bot.
func (d *Driver) completeMatch(ctx context.Context, botID string) {
	safeop.Run("lifecycle.del_state_complete", func() error {
		return d.client.Del(ctx, keys.BotState(botID))
	})
	safeop.Run("lifecycle.srem_active_complete", func() error {
		return d.client.SRem(ctx, keys.BotsActive, botID)
	})
	safeop.Run("lifecycle.del_reservation_complete", func() error {
		return d.client.Del(ctx, keys.QueueReservation(botID))
	})
	d.releaseGuardOnly(ctx, botID)
	observability.LifecycleCompletions.Inc()
}

func (d *Driver) releaseGuardOnly(ctx context.Context, botID string) {
	safeop.Run("lifecycle.release_guard", func() error {
		return d.client.Del(ctx, keys.CyclingGuard(botID))
	})
	safeop.Run("lifecycle.srem_cycling_release", func() error {
		return d.client.SRem(ctx, keys.BotsCycling, botID)
	})
}

// recycle is the terminal Any -> Recycled transition: best-effort close
// already happened at call sites that hold a room reference; this performs
// the shared tail (full cleanup, rotation re-enqueue, reconcile nudge).
func (d *Driver) recycle(ctx context.Context, botID, reason string) {
	observability.LifecycleRecycles.WithLabelValues(reason).Inc()
	log.Printf("[lifecycle] %s: recycling, reason=%s", botID, reason)

	d.cleanup.CleanupBotState(ctx, botID, fmt.Sprintf("recycle:%s", reason))

	safeop.Run("lifecycle.lrem_rotation", func() error {
		return d.client.LRem(ctx, keys.RotationQueue, 0, botID)
	})
	safeop.Run("lifecycle.rpush_rotation", func() error {
		return d.client.RPush(ctx, keys.RotationQueue, botID)
	})

	if d.TriggerReconcile != nil {
		d.TriggerReconcile()
	}
}
