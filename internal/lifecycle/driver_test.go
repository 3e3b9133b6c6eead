package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/leetbattle/botfleet/internal/cleanup"
	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/coord/coordtest"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/leetbattle/botfleet/internal/registry"
)

func newTestDriver(client *coordtest.Fake, reg registry.Reader) *Driver {
	eng := cleanup.New(client, gameserver.NewHTTPClient("http://unused", ""))
	return New(client, eng, gameserver.NewHTTPClient("http://unused", ""), gameserver.NewWSClient("ws://unused", ""), reg)
}

func TestObserveReportsSnapshot(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.Set(ctx, keys.QueueReservation("bot-1"), "{}", coord.SetOptions{})
	client.SAdd(ctx, keys.BotsActive, "bot-1")
	client.ZAddForTest(keys.QueueElo, "bot-1", 1000)
	client.Set(ctx, keys.CurrentMatch("bot-1"), "match-1", coord.SetOptions{})

	d := newTestDriver(client, registry.NewFake())
	snap, err := d.observe(ctx, "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.reservation != "{}" || !snap.active || !snap.inQueue || snap.currentMatch != "match-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.hasStaleState() {
		t.Fatalf("expected hasStaleState true")
	}
}

func TestObserveCleanSnapshotIsNotStale(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	d := newTestDriver(client, registry.NewFake())
	snap, err := d.observe(ctx, "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.hasStaleState() {
		t.Fatalf("expected clean snapshot to report no stale state")
	}
}

func TestDeployAbortsWhenAlreadyInMatch(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.Set(ctx, keys.CurrentMatch("bot-1"), "match-1", coord.SetOptions{})

	reg := registry.NewFake()
	reg.Put(registry.Bot{ID: "bot-1", DisplayName: "Bot One", Rating: 1200})

	d := newTestDriver(client, reg)
	d.Deploy(ctx, "bot-1", 250*time.Millisecond)

	if deployed, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-1"); deployed {
		t.Fatalf("bot should not be marked deployed when already in a match")
	}
	if v, _ := client.Get(ctx, keys.CyclingGuard("bot-1")); v != "" {
		t.Fatalf("expected cycling guard released on abort")
	}
}

func TestDeployAbortsWhenGuardAlreadyHeld(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	reg := registry.NewFake()
	reg.Put(registry.Bot{ID: "bot-1", DisplayName: "Bot One", Rating: 1200})

	acquired, err := client.AcquireCycleGuard(ctx, keys.CyclingGuard("bot-1"), time.Now(), maxCyclingTime, cyclingGuardTTL)
	if err != nil || !acquired {
		t.Fatalf("setup: expected guard acquire to succeed, got %v %v", acquired, err)
	}

	d := newTestDriver(client, reg)
	d.Deploy(ctx, "bot-1", 250*time.Millisecond)

	if deployed, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-1"); deployed {
		t.Fatalf("bot should not be deployed when guard was already held by another cycle")
	}
}

func TestRecycleReenqueuesAtTailWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.RPush(ctx, keys.RotationQueue, "bot-1", "bot-2")

	d := newTestDriver(client, registry.NewFake())
	triggered := false
	d.TriggerReconcile = func() { triggered = true }

	d.recycle(ctx, "bot-1", "test reason")

	list, _ := client.LRange(ctx, keys.RotationQueue, 0, -1)
	if len(list) != 2 || list[0] != "bot-2" || list[1] != "bot-1" {
		t.Fatalf("expected bot-1 moved to tail without duplication, got %v", list)
	}
	if !triggered {
		t.Fatalf("expected reconciliation trigger to fire on recycle")
	}
}
