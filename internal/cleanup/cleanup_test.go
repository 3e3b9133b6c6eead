package cleanup

import (
	"context"
	"testing"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/coord/coordtest"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
)

func TestCleanupBotStateErasesEveryKey(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1")
	client.SAdd(ctx, keys.BotsActive, "bot-1")
	client.SAdd(ctx, keys.BotsCycling, "bot-1")
	client.Set(ctx, keys.CyclingGuard("bot-1"), "123", coord.SetOptions{})
	client.Set(ctx, keys.BotState("bot-1"), "queued", coord.SetOptions{})
	client.Set(ctx, keys.CurrentMatch("bot-1"), "match-1", coord.SetOptions{})
	client.Set(ctx, keys.QueueReservation("bot-1"), "{}", coord.SetOptions{})
	client.ZAddForTest(keys.QueueElo, "bot-1", 1200)

	e := New(client, gameserver.NewHTTPClient("http://unused", ""))
	results := e.CleanupBotState(ctx, "bot-1", "test")

	for step, ok := range results {
		if !ok {
			t.Fatalf("step %s reported failure", step)
		}
	}

	if ok, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-1"); ok {
		t.Fatalf("expected bot-1 removed from deployed set")
	}
	if ok, _ := client.SIsMember(ctx, keys.BotsActive, "bot-1"); ok {
		t.Fatalf("expected bot-1 removed from active set")
	}
	if ok, _ := client.SIsMember(ctx, keys.BotsCycling, "bot-1"); ok {
		t.Fatalf("expected bot-1 removed from cycling set")
	}
	if v, _ := client.Get(ctx, keys.CyclingGuard("bot-1")); v != "" {
		t.Fatalf("expected cycling guard deleted, got %q", v)
	}
	if v, _ := client.Get(ctx, keys.BotState("bot-1")); v != "" {
		t.Fatalf("expected state key deleted, got %q", v)
	}
	if _, ok, _ := client.ZScore(ctx, keys.QueueElo, "bot-1"); ok {
		t.Fatalf("expected queue:elo membership removed")
	}
}

func TestCleanupAttemptsEveryStepOnEmptyState(t *testing.T) {
	// A cleanup call against keys that were never set should still report
	// every step as attempted (no-op deletes are not failures) rather
	// than aborting midway.
	ctx := context.Background()
	client := coordtest.New()
	e := New(client, gameserver.NewHTTPClient("http://unused", ""))
	results := e.CleanupBotState(ctx, "never-deployed", "test")
	if len(results) != 8 {
		t.Fatalf("expected all 8 steps attempted, got %d", len(results))
	}
	for step, ok := range results {
		if !ok {
			t.Fatalf("step %s unexpectedly failed on empty state", step)
		}
	}
}
