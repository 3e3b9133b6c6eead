// Package commands implements the command subscriber (T3): the admin
// console's control channel into the controller, consumed only while
// leader.
package commands

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/observability"
	"github.com/leetbattle/botfleet/internal/safeop"
	"golang.org/x/time/rate"
)

// envelope is the wire shape of every message on bots:commands.
type envelope struct {
	Type        string   `json:"type"`
	BotIDs      []string `json:"botIds"`
	BotID       string   `json:"botId"`
	MaxDeployed int      `json:"maxDeployed"`
}

// Reconciler is the subset of T1 the subscriber drives.
type Reconciler interface {
	TriggerTick()
}

// Subscriber consumes bots:commands while this instance is leader.
type Subscriber struct {
	client     coord.Client
	reconciler Reconciler
	isLeader   func() bool

	limiters map[string]*rate.Limiter

	onDeploy func(ctx context.Context)
	onStop   func(ctx context.Context, botIDs []string)

	cancel context.CancelFunc
}

// New builds a Subscriber. isLeader is polled per message so followers log
// and ignore without acting.
func New(client coord.Client, reconciler Reconciler, isLeader func() bool) *Subscriber {
	return &Subscriber{
		client:     client,
		reconciler: reconciler,
		isLeader:   isLeader,
		limiters: map[string]*rate.Limiter{
			"deploy":           rate.NewLimiter(rate.Limit(5), 10),
			"stop":             rate.NewLimiter(rate.Limit(5), 10),
			"botMatchComplete": rate.NewLimiter(rate.Limit(100), 200),
			"rotateConfig":     rate.NewLimiter(rate.Limit(5), 10),
			"playerQueued":     rate.NewLimiter(rate.Limit(200), 400),
			"playerDequeued":   rate.NewLimiter(rate.Limit(200), 400),
		},
	}
}

// SetCallbacks registers the side effects that reach outside this package:
// onDeploy runs for a "deploy" command, onStop for a "stop" without bot ids.
func (s *Subscriber) SetCallbacks(onDeploy func(ctx context.Context), onStop func(ctx context.Context, botIDs []string)) {
	s.onDeploy = onDeploy
	s.onStop = onStop
}

// Start subscribes to bots:commands and processes messages until ctx is
// cancelled or the subscription breaks.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.client.Subscribe(ctx, keys.CommandsChannel)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		defer sub.Close()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				s.handle(loopCtx, msg.Payload)
			}
		}
	}()
	return nil
}

func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	if !s.isLeader() {
		log.Printf("[commands] not leader, ignoring command")
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("[commands] unparseable command, discarding: %v", err)
		return
	}

	observability.CommandsReceived.WithLabelValues(env.Type).Inc()

	limiter, ok := s.limiters[env.Type]
	if ok && !limiter.Allow() {
		observability.CommandsRateLimited.WithLabelValues(env.Type).Inc()
		log.Printf("[commands] %s rate-limited, dropping", env.Type)
		return
	}

	switch env.Type {
	case "deploy":
		if s.onDeploy != nil {
			s.onDeploy(ctx)
		}
	case "stop":
		s.handleStop(ctx, env.BotIDs)
	case "botMatchComplete":
		s.rotateBot(ctx, env.BotID)
	case "rotateConfig":
		s.handleRotateConfig(ctx, env.MaxDeployed)
	case "playerQueued", "playerDequeued":
		// No immediate action; reconciliation reacts within its own tick.
	default:
		log.Printf("[commands] unknown command type %q, discarding", env.Type)
	}
}

func (s *Subscriber) handleStop(ctx context.Context, botIDs []string) {
	if len(botIDs) > 0 {
		for _, id := range botIDs {
			safeop.Run("commands.stop_one", func() error {
				return s.client.SRem(ctx, keys.BotsDeployed, id)
			})
		}
		return
	}
	if s.onStop != nil {
		s.onStop(ctx, nil)
	}
}

// handleRotateConfig stores the pushed value under minDeployed: rotateConfig
// is the only lever ops has for the deployed-bot floor, and bots:rotation:config
// has no separate maxDeployed key for it to target.
func (s *Subscriber) handleRotateConfig(ctx context.Context, maxDeployed int) {
	safeop.Run("commands.rotate_config", func() error {
		return s.client.HSet(ctx, keys.RotationConfig, map[string]string{
			"minDeployed": strconv.Itoa(maxDeployed),
		})
	})
	if s.reconciler != nil {
		s.reconciler.TriggerTick()
	}
}

// rotateBot verifies the bot is genuinely free before returning it to the
// rotation queue. The 100ms re-check guards against a race with the game
// server's own atomic removal of the bot from bots:active.
func (s *Subscriber) rotateBot(ctx context.Context, botID string) {
	if botID == "" {
		return
	}
	if !s.isFreeForRotation(ctx, botID) {
		return
	}
	time.Sleep(100 * time.Millisecond)
	if !s.isFreeForRotation(ctx, botID) {
		return
	}

	safeop.Run("commands.clear_guard_on_rotate", func() error {
		return s.client.Del(ctx, keys.CyclingGuard(botID))
	})
	safeop.Run("commands.lrem_rotation", func() error {
		return s.client.LRem(ctx, keys.RotationQueue, 0, botID)
	})
	safeop.Run("commands.rpush_rotation", func() error {
		return s.client.RPush(ctx, keys.RotationQueue, botID)
	})

	if s.reconciler != nil {
		s.reconciler.TriggerTick()
	}
}

func (s *Subscriber) isFreeForRotation(ctx context.Context, botID string) bool {
	active, err := s.client.SIsMember(ctx, keys.BotsActive, botID)
	if err != nil || active {
		return false
	}
	_, inQueue, err := s.client.ZScore(ctx, keys.QueueElo, botID)
	if err != nil || inQueue {
		return false
	}
	reservation, err := s.client.Get(ctx, keys.QueueReservation(botID))
	if err != nil || reservation != "" {
		return false
	}
	return true
}
