package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/coord/coordtest"
	"github.com/leetbattle/botfleet/internal/gameserver"
	"github.com/leetbattle/botfleet/internal/keys"
)

type fakeDeployer struct {
	mu         sync.Mutex
	deployed   []string
	joinDelays []time.Duration
}

func (f *fakeDeployer) Deploy(_ context.Context, botID string, joinDelay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = append(f.deployed, botID)
	f.joinDelays = append(f.joinDelays, joinDelay)
}

// waitForDeploys waits up to one second for n Deploy calls: the controller
// starts each deploy on its own goroutine, so Tick can return first.
func (f *fakeDeployer) waitForDeploys(n int) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.deployed)
		f.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func healthyGameServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/queue/size":
			w.Write([]byte(`{"queueSize":0,"botsInQueue":0}`))
		case "/global/general-stats":
			w.Write([]byte(`{"queuedHumansCount":0,"longestHumanWaitMs":0}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestTickDeploysUpToMinimum(t *testing.T) {
	ctx := context.Background()
	server := healthyGameServer(t)
	defer server.Close()

	client := coordtest.New()
	client.RPush(ctx, keys.RotationQueue, "bot-1", "bot-2", "bot-3")
	client.HSet(ctx, keys.RotationConfig, map[string]string{"minDeployed": "2"})

	deployer := &fakeDeployer{}
	game := gameserver.NewHTTPClient(server.URL, "")
	c := New(client, game, deployer, nil, time.Second, 15*time.Second)

	c.Tick(ctx)
	deployer.waitForDeploys(2)

	deployer.mu.Lock()
	defer deployer.mu.Unlock()
	if len(deployer.deployed) != 2 {
		t.Fatalf("expected 2 bots deployed to reach minDeployed=2, got %v", deployer.deployed)
	}
	for _, d := range deployer.joinDelays {
		if d != defaultConfig().InitialJoinDelay {
			t.Fatalf("expected deploy to be called with the configured initialJoinDelay, got %v", d)
		}
	}
}

func TestTickHoldsWhenAtMinimum(t *testing.T) {
	ctx := context.Background()
	server := healthyGameServer(t)
	defer server.Close()

	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1", "bot-2")
	client.ZAddForTest(keys.QueueElo, "bot-1", 1000)
	client.ZAddForTest(keys.QueueElo, "bot-2", 1000)
	client.HSet(ctx, keys.RotationConfig, map[string]string{"minDeployed": "2"})

	deployer := &fakeDeployer{}
	game := gameserver.NewHTTPClient(server.URL, "")
	c := New(client, game, deployer, nil, time.Second, 15*time.Second)

	c.Tick(ctx)

	if len(deployer.deployed) != 0 {
		t.Fatalf("expected no deploys at minimum with no queued humans, got %v", deployer.deployed)
	}
}

func TestDecideToDeployCapsAtTotalBots(t *testing.T) {
	c := New(nil, nil, nil, nil, time.Second, 15*time.Second)
	cfg := Config{MinDeployed: 10, TotalBots: 3}
	got := c.decideToDeploy(cfg, 0, 0, 0, 0)
	if got != 3 {
		t.Fatalf("expected toDeploy capped at totalBots=3, got %d", got)
	}
}

func TestDecideToDeploySurgeOnHumanWait(t *testing.T) {
	c := New(nil, nil, nil, nil, time.Second, 15*time.Second)
	cfg := Config{MinDeployed: 2}
	got := c.decideToDeploy(cfg, 2, 5, 1, 20000)
	if got != 4 {
		t.Fatalf("expected surge toDeploy=4 (5 queued humans - 1 in queue), got %d", got)
	}
}

func TestDecideToDeployNoSurgeBelowWaitThreshold(t *testing.T) {
	c := New(nil, nil, nil, nil, time.Second, 15*time.Second)
	cfg := Config{MinDeployed: 2}
	got := c.decideToDeploy(cfg, 2, 5, 1, 5000)
	if got != 0 {
		t.Fatalf("expected no surge below wait threshold, got %d", got)
	}
}

func TestConsiderUndeploySparesBotsWithReservation(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1")
	client.Set(ctx, keys.QueueReservation("bot-1"), "{}", coord.SetOptions{})

	c := New(client, nil, nil, nil, time.Second, 15*time.Second)
	c.considerUndeploy(ctx, Config{MinDeployed: 0}, 1, 0)

	if deployed, _ := client.SIsMember(ctx, keys.BotsDeployed, "bot-1"); !deployed {
		t.Fatalf("expected bot with a live reservation to be spared from undeploy")
	}
}
