package commands

import (
	"context"
	"testing"
	"time"

	"github.com/leetbattle/botfleet/internal/coord/coordtest"
	"github.com/leetbattle/botfleet/internal/keys"
)

type fakeReconciler struct {
	ticks int
}

func (f *fakeReconciler) TriggerTick() { f.ticks++ }

func TestFollowerIgnoresCommands(t *testing.T) {
	client := coordtest.New()
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return false })
	deployed := false
	s.SetCallbacks(func(ctx context.Context) { deployed = true }, nil)

	s.handle(context.Background(), `{"type":"deploy"}`)
	if deployed {
		t.Fatalf("follower should not act on commands")
	}
}

func TestDeployCommandInvokesCallback(t *testing.T) {
	client := coordtest.New()
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })
	deployed := false
	s.SetCallbacks(func(ctx context.Context) { deployed = true }, nil)

	s.handle(context.Background(), `{"type":"deploy"}`)
	if !deployed {
		t.Fatalf("expected deploy callback to fire")
	}
}

func TestStopWithBotIDsRemovesOnlyThoseBots(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1", "bot-2")
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })

	s.handle(ctx, `{"type":"stop","botIds":["bot-1"]}`)

	if d, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-1"); d {
		t.Fatalf("expected bot-1 removed from deployed")
	}
	if d, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-2"); !d {
		t.Fatalf("expected bot-2 to remain deployed")
	}
}

func TestRotateConfigTriggersReconcileTick(t *testing.T) {
	client := coordtest.New()
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })

	s.handle(context.Background(), `{"type":"rotateConfig","maxDeployed":8}`)

	if rec.ticks != 1 {
		t.Fatalf("expected 1 reconcile tick, got %d", rec.ticks)
	}
	v, _, _ := client.HGet(context.Background(), keys.RotationConfig, "minDeployed")
	if v != "8" {
		t.Fatalf("expected minDeployed persisted as 8, got %q", v)
	}
}

func TestUnknownCommandIsDiscarded(t *testing.T) {
	client := coordtest.New()
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })
	// Should not panic and should simply be logged/discarded.
	s.handle(context.Background(), `{"type":"somethingWeird"}`)
}

func TestRotateBotAppendsFreeBotToRotationQueue(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })

	s.handle(ctx, `{"type":"botMatchComplete","botId":"bot-1"}`)

	list, _ := client.LRange(ctx, keys.RotationQueue, 0, -1)
	if len(list) != 1 || list[0] != "bot-1" {
		t.Fatalf("expected bot-1 appended to rotation queue, got %v", list)
	}
	if rec.ticks != 1 {
		t.Fatalf("expected 1 reconcile tick, got %d", rec.ticks)
	}
}

func TestRotateBotSkipsStillActiveBot(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsActive, "bot-1")
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })

	s.handle(ctx, `{"type":"botMatchComplete","botId":"bot-1"}`)

	list, _ := client.LRange(ctx, keys.RotationQueue, 0, -1)
	if len(list) != 0 {
		t.Fatalf("expected still-active bot not rotated, got %v", list)
	}
}

func TestSubscribeDeliversPublishedCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := coordtest.New()
	rec := &fakeReconciler{}
	s := New(client, rec, func() bool { return true })
	delivered := make(chan struct{}, 1)
	s.SetCallbacks(func(ctx context.Context) { delivered <- struct{}{} }, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	client.Publish(ctx, keys.CommandsChannel, `{"type":"deploy"}`)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatalf("expected deploy command to be delivered via subscription")
	}
}
