// Package cleanup implements the cleanup engine (M1): the one place that
// erases a bot's controller-owned runtime state, used by every other
// component that needs to reset a bot to a known-clean slate.
package cleanup

import (
	"context"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/safeop"
)

// Engine performs cleanupBotState and clearBotQueueState.
type Engine struct {
	client coord.Client
	game   *gameserver.HTTPClient
}

func New(client coord.Client, game *gameserver.HTTPClient) *Engine {
	return &Engine{client: client, game: game}
}

// CleanupBotState erases every controller-owned and read-mostly key for
// botID, one step at a time via safe-op: each step logs and continues on
// its own failure rather than aborting the whole sequence. reason is used
// only for logging.
func (e *Engine) CleanupBotState(ctx context.Context, botID, reason string) map[string]bool {
	results := make(map[string]bool, 8)

	results["del_cycling_guard"] = safeop.Run("cleanup.del_cycling_guard", func() error {
		return e.client.Del(ctx, keys.CyclingGuard(botID))
	})
	results["srem_cycling"] = safeop.Run("cleanup.srem_cycling", func() error {
		return e.client.SRem(ctx, keys.BotsCycling, botID)
	})
	results["srem_deployed"] = safeop.Run("cleanup.srem_deployed", func() error {
		return e.client.SRem(ctx, keys.BotsDeployed, botID)
	})
	results["srem_active"] = safeop.Run("cleanup.srem_active", func() error {
		return e.client.SRem(ctx, keys.BotsActive, botID)
	})
	results["del_state"] = safeop.Run("cleanup.del_state", func() error {
		return e.client.Del(ctx, keys.BotState(botID))
	})
	results["del_current_match"] = safeop.Run("cleanup.del_current_match", func() error {
		return e.client.Del(ctx, keys.CurrentMatch(botID))
	})
	results["del_reservation"] = safeop.Run("cleanup.del_reservation", func() error {
		return e.client.Del(ctx, keys.QueueReservation(botID))
	})
	results["zrem_elo"] = safeop.Run("cleanup.zrem_elo", func() error {
		return e.client.ZRem(ctx, keys.QueueElo, botID)
	})

	return results
}

// ClearBotQueueState purges any stale seat reservation the game server
// holds for botID before the coord erasures run.
func (e *Engine) ClearBotQueueState(ctx context.Context, botID, reason string) map[string]bool {
	safeop.Run("cleanup.clear_queue", func() error {
		return e.game.ClearQueue(ctx, botID)
	})
	return e.CleanupBotState(ctx, botID, reason)
}
