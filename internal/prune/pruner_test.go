package prune

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/leetbattle/botfleet/internal/cleanup"
	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/coord/coordtest"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/registry"
)

func newTestPruner(client *coordtest.Fake, reg registry.Reader) *Pruner {
	eng := cleanup.New(client, gameserver.NewHTTPClient("http://unused", ""))
	return New(client, eng, reg)
}

func TestPruneStaleCyclingBotsClearsOrphanedGuardMembership(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsCycling, "bot-1")
	// No companion guard string exists: orphaned set membership.

	p := newTestPruner(client, registry.NewFake())
	recovered := p.PruneStaleCyclingBots(ctx)
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}
	if member, _ := client.SIsMember(ctx, keys.BotsCycling, "bot-1"); member {
		t.Fatalf("expected bot-1 removed from cycling set")
	}
	list, _ := client.LRange(ctx, keys.RotationQueue, 0, -1)
	if len(list) != 1 || list[0] != "bot-1" {
		t.Fatalf("expected bot-1 appended to rotation queue, got %v", list)
	}
}

func TestPruneStaleCyclingBotsKeepsActiveBotMembershipButClearsGuard(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	old := time.Now().Add(-10 * time.Minute)
	client.Set(ctx, keys.CyclingGuard("bot-1"), strconv.FormatInt(old.UnixMilli(), 10), coord.SetOptions{})
	client.SAdd(ctx, keys.BotsCycling, "bot-1")
	client.SAdd(ctx, keys.BotsActive, "bot-1")

	p := newTestPruner(client, registry.NewFake())
	p.PruneStaleCyclingBots(ctx)

	if v, _ := client.Get(ctx, keys.CyclingGuard("bot-1")); v != "" {
		t.Fatalf("expected stale guard cleared")
	}
	if active, _ := client.SIsMember(ctx, keys.BotsActive, "bot-1"); !active {
		t.Fatalf("expected demonstrably-active bot to keep its bots:active membership")
	}
}

func TestPruneDeployedBotsRecyclesTrulyIdleBots(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1")

	p := newTestPruner(client, registry.NewFake())
	recovered := p.PruneDeployedBots(ctx)
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}
	if deployed, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-1"); deployed {
		t.Fatalf("expected bot-1 removed from deployed set")
	}
}

func TestPruneDeployedBotsSparesQueuedBots(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1")
	client.ZAddForTest(keys.QueueElo, "bot-1", 1100)

	p := newTestPruner(client, registry.NewFake())
	recovered := p.PruneDeployedBots(ctx)
	if recovered != 0 {
		t.Fatalf("expected queued bot to be spared, got %d recovered", recovered)
	}
}

func TestRecoverLimboBotsAppendsUntrackedBot(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	reg := registry.NewFake()
	reg.Put(registry.Bot{ID: "bot-1", DisplayName: "Bot One", Rating: 1000})

	p := newTestPruner(client, reg)
	recovered := p.RecoverLimboBots(ctx)
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}
	list, _ := client.LRange(ctx, keys.RotationQueue, 0, -1)
	if len(list) != 1 || list[0] != "bot-1" {
		t.Fatalf("expected bot-1 appended to rotation queue, got %v", list)
	}
}

func TestRecoverLimboBotsClearsStaleMatchPointer(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.Set(ctx, keys.CurrentMatch("bot-1"), "dead-match", coord.SetOptions{})
	reg := registry.NewFake()
	reg.Put(registry.Bot{ID: "bot-1", DisplayName: "Bot One", Rating: 1000})

	p := newTestPruner(client, reg)
	recovered := p.RecoverLimboBots(ctx)
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}
	if v, _ := client.Get(ctx, keys.CurrentMatch("bot-1")); v != "" {
		t.Fatalf("expected stale current-match pointer cleared, got %q", v)
	}
}

func TestRecoverLimboBotsSparesBotsInLiveMatch(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.Set(ctx, keys.CurrentMatch("bot-1"), "live-match", coord.SetOptions{})
	client.SAdd(ctx, keys.MatchesActive, "live-match")
	reg := registry.NewFake()
	reg.Put(registry.Bot{ID: "bot-1", DisplayName: "Bot One", Rating: 1000})

	p := newTestPruner(client, reg)
	recovered := p.RecoverLimboBots(ctx)
	if recovered != 0 {
		t.Fatalf("expected bot in a live match to be spared, got %d recovered", recovered)
	}
}
