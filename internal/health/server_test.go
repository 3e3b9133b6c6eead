package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leetbattle/botfleet/internal/coord/coordtest"
	"github.com/leetbattle/botfleet/internal/keys"
)

func TestHealthReportsDeploymentCounts(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1", "bot-2")
	client.SAdd(ctx, keys.BotsActive, "bot-3")
	client.RPush(ctx, keys.RotationQueue, "bot-4")

	s := New(":0", client, func() LeadershipView {
		return LeadershipView{IsLeader: true, InstanceID: "inst-1", LastRenewal: time.Now()}
	}, "inst-1")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if resp.Deployment.CurrentDeployed != 2 || resp.Deployment.CurrentActive != 1 || resp.Deployment.QueueLength != 1 {
		t.Fatalf("unexpected deployment summary: %+v", resp.Deployment)
	}
	if !resp.Leadership.IsLeader || resp.Leadership.InstanceID != "inst-1" {
		t.Fatalf("unexpected leadership view: %+v", resp.Leadership)
	}
}

func TestReadyReturns503WhenStoreUnreachable(t *testing.T) {
	client := coordtest.New()
	client.BreakNextCall()

	s := New(":0", client, func() LeadershipView { return LeadershipView{} }, "inst-1")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	s.handleReady(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestDebugSnapshotListsTrackedBots(t *testing.T) {
	ctx := context.Background()
	client := coordtest.New()
	client.SAdd(ctx, keys.BotsDeployed, "bot-1")
	client.SAdd(ctx, keys.BotsActive, "bot-2")
	client.RPush(ctx, keys.RotationQueue, "bot-3")

	s := New(":0", client, func() LeadershipView { return LeadershipView{} }, "inst-1")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/snapshot", nil)
	s.handleDebugSnapshot(rr, req)

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if body["instanceId"] != "inst-1" {
		t.Fatalf("expected instanceId inst-1, got %v", body["instanceId"])
	}
}
