// Package leader implements the single-owner lease election (M3): one
// instance at a time drives reconciliation and pruning, coordinated through
// a TTL'd key in the shared store.
package leader

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/observability"
)

const leaderKey = "bots:leader"

// Elector runs the acquire/renew loop for one instance and invokes
// callbacks on promotion/demotion.
type Elector struct {
	client     coord.Client
	instanceID string
	ttl        time.Duration

	mu          sync.RWMutex
	isLeader    bool
	lastRenewal time.Time

	onBecomeLeader  func(ctx context.Context)
	onLoseLeadership func()

	cancel context.CancelFunc

	// leaderCancel tears down leaderCtx, the context handed to
	// onBecomeLeader, the moment this instance demotes or stops - so T1/T2
	// see cancellation immediately instead of inheriting the outer loop's
	// context (which stays alive across demotions).
	leaderCancel context.CancelFunc
}

// New builds an Elector for instanceID with the given lease TTL.
func New(client coord.Client, instanceID string, ttl time.Duration) *Elector {
	return &Elector{client: client, instanceID: instanceID, ttl: ttl}
}

// SetCallbacks registers the edge-triggered promotion/demotion hooks.
// onBecomeLeader receives a context that is cancelled on demotion; main.go
// uses it to start the T1/T2 timers and does not seed the rotation queue
// (T1 refills an empty queue through limbo recovery). onLoseLeadership
// stops those timers without touching shared state.
func (e *Elector) SetCallbacks(onBecomeLeader func(ctx context.Context), onLoseLeadership func()) {
	e.onBecomeLeader = onBecomeLeader
	e.onLoseLeadership = onLoseLeadership
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// InstanceID returns this elector's instance identifier.
func (e *Elector) InstanceID() string {
	return e.instanceID
}

// LastRenewal returns the time of the last successful acquire/renew.
func (e *Elector) LastRenewal() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRenewal
}

// Start runs the acquire/renew loop until ctx is cancelled.
func (e *Elector) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(loopCtx)
}

// Stop halts the loop and, if currently leader, releases the lease.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.IsLeader() {
		e.release(context.Background())
	}
}

func (e *Elector) loop(ctx context.Context) {
	renewInterval := e.ttl / 2
	if renewInterval < 2*time.Second {
		renewInterval = 2 * time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.IsLeader() {
		ok, err := e.client.ExtendLeader(ctx, leaderKey, e.instanceID, e.ttl)
		if err != nil {
			log.Printf("[leader] renew failed: %v", err)
			return
		}
		if !ok {
			e.demote()
			return
		}
		e.mu.Lock()
		e.lastRenewal = time.Now()
		e.mu.Unlock()
		return
	}

	acquired, err := e.acquire(ctx)
	if err != nil {
		log.Printf("[leader] acquire failed: %v", err)
		return
	}
	if acquired {
		e.mu.Lock()
		e.lastRenewal = time.Now()
		e.mu.Unlock()
		e.promote(ctx)
	}
}

// acquire implements the NX-then-check sequence: SET NX; on conflict GET
// and treat an equal value as idempotent promotion, an empty value as an
// immediate retry, and anything else as staying follower.
func (e *Elector) acquire(ctx context.Context) (bool, error) {
	ok, err := e.client.Set(ctx, leaderKey, e.instanceID, coord.SetOptions{NX: true, TTL: e.ttl})
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	cur, err := e.client.Get(ctx, leaderKey)
	if err != nil {
		return false, err
	}
	if cur == e.instanceID {
		return true, nil
	}
	if cur == "" {
		return e.acquire(ctx)
	}
	return false, nil
}

func (e *Elector) promote(ctx context.Context) {
	leaderCtx, leaderCancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.isLeader = true
	e.leaderCancel = leaderCancel
	e.mu.Unlock()

	observability.IsLeader.Set(1)
	observability.LeadershipTransitions.WithLabelValues(e.instanceID, "promoted").Inc()
	log.Printf("[leader] %s promoted to leader", e.instanceID)

	if e.onBecomeLeader != nil {
		e.onBecomeLeader(leaderCtx)
	}
}

// demote cancels leaderCtx before invoking onLoseLeadership, so T1/T2 stop
// their loops on the same edge that flips isLeader - a follower never keeps
// mutating shared coord state past this point.
func (e *Elector) demote() {
	e.mu.Lock()
	e.isLeader = false
	leaderCancel := e.leaderCancel
	e.leaderCancel = nil
	e.mu.Unlock()

	if leaderCancel != nil {
		leaderCancel()
	}

	observability.IsLeader.Set(0)
	observability.LeadershipTransitions.WithLabelValues(e.instanceID, "demoted").Inc()
	log.Printf("[leader] %s demoted from leader", e.instanceID)

	if e.onLoseLeadership != nil {
		e.onLoseLeadership()
	}
}

func (e *Elector) release(ctx context.Context) {
	cur, err := e.client.Get(ctx, leaderKey)
	if err != nil {
		log.Printf("[leader] release: get failed: %v", err)
		return
	}
	if cur != e.instanceID {
		return
	}
	if err := e.client.Del(ctx, leaderKey); err != nil {
		log.Printf("[leader] release: del failed: %v", err)
	}
	e.demote()
}
