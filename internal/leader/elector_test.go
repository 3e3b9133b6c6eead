package leader

import (
	"context"
	"testing"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/coord/coordtest"
)

func TestElectorPromotesWhenKeyAbsent(t *testing.T) {
	client := coordtest.New()
	e := New(client, "instance-a", 5*time.Second)

	promoted := make(chan struct{}, 1)
	e.SetCallbacks(func(ctx context.Context) { promoted <- struct{}{} }, func() {})

	ok, err := e.acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed, got ok=%v err=%v", ok, err)
	}
	e.promote(context.Background())
	select {
	case <-promoted:
	default:
		t.Fatalf("expected onBecomeLeader to fire")
	}
	if !e.IsLeader() {
		t.Fatalf("expected IsLeader true after promote")
	}
}

func TestElectorSecondInstanceStaysFollower(t *testing.T) {
	client := coordtest.New()
	a := New(client, "instance-a", 5*time.Second)
	b := New(client, "instance-b", 5*time.Second)

	ok, err := a.acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("instance-a should acquire: ok=%v err=%v", ok, err)
	}

	ok, err = b.acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("instance-b should not acquire while instance-a holds the lease")
	}
}

func TestElectorDemotesWhenRenewFails(t *testing.T) {
	client := coordtest.New()
	e := New(client, "instance-a", 5*time.Second)
	demoted := make(chan struct{}, 1)
	e.SetCallbacks(func(ctx context.Context) {}, func() { demoted <- struct{}{} })

	ok, _ := e.acquire(context.Background())
	if !ok {
		t.Fatalf("expected acquire to succeed")
	}
	e.promote(context.Background())

	// Simulate another instance stealing the lease out from under us.
	client.Set(context.Background(), leaderKey, "instance-b", coord.SetOptions{})

	okExt, err := client.ExtendLeader(context.Background(), leaderKey, "instance-a", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if okExt {
		t.Fatalf("extend should fail once another instance holds the key")
	}
	e.tick(context.Background())
	select {
	case <-demoted:
	default:
		t.Fatalf("expected onLoseLeadership to fire")
	}
	if e.IsLeader() {
		t.Fatalf("expected IsLeader false after demote")
	}
}

func TestElectorCancelsLeaderContextOnDemote(t *testing.T) {
	client := coordtest.New()
	e := New(client, "instance-a", 5*time.Second)

	var leaderCtx context.Context
	e.SetCallbacks(func(ctx context.Context) { leaderCtx = ctx }, func() {})

	ok, _ := e.acquire(context.Background())
	if !ok {
		t.Fatalf("expected acquire to succeed")
	}
	e.promote(context.Background())

	select {
	case <-leaderCtx.Done():
		t.Fatalf("leader context should still be live right after promote")
	default:
	}

	e.demote()

	select {
	case <-leaderCtx.Done():
	default:
		t.Fatalf("expected leader context to be cancelled on demote")
	}
}
