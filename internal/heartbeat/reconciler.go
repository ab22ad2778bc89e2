// Package heartbeat implements a reactive liveness sweep over the
// active-node set, narrowed to pure eviction: the reconciler never
// touches task state, only node presence.
package heartbeat

import (
	"context"
	"log"
	"time"

	"github.com/relaycore/dispatchcore/internal/broker"
	"github.com/relaycore/dispatchcore/internal/eventstream"
	"github.com/relaycore/dispatchcore/internal/model"
	"github.com/relaycore/dispatchcore/internal/noderegistry"
	"github.com/relaycore/dispatchcore/internal/observability"
)

// Reconciler periodically scans the active-node set and evicts nodes
// whose hash is gone or whose status resolves to OFFLINE/SHUTTING_DOWN.
type Reconciler struct {
	brk      broker.Broker
	registry *noderegistry.Registry
	hub      *eventstream.Hub
	interval time.Duration
}

func New(brk broker.Broker, registry *noderegistry.Registry, hub *eventstream.Hub, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{brk: brk, registry: registry, hub: hub, interval: interval}
}

// Start runs the sweep on its own ticker until ctx is cancelled. A
// panic in one tick is recovered and logged so a single bad tick never
// stops the schedule.
func (r *Reconciler) Start(ctx context.Context) {
	tick := func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("heartbeat: CRITICAL: reconciler panicked: %v", rec)
			}
		}()
		r.sweepOnce(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	ids, err := r.brk.ActiveNodeIDs(ctx)
	if err != nil {
		log.Printf("heartbeat: sweep: list active nodes: %v", err)
		return
	}

	eligible := 0
	for _, id := range ids {
		fields, err := r.brk.NodeHash(ctx, id)
		if err != nil {
			log.Printf("heartbeat: sweep: read hash %s: %v", id, err)
			continue
		}
		if len(fields) == 0 {
			r.evict(ctx, id, "hash missing")
			continue
		}

		status := model.NormalizeNodeStatus(fields["status"])
		if status == model.NodeOffline {
			r.evict(ctx, id, "status offline")
			continue
		}
		if r.registry.IsHealthy(ctx, id) {
			eligible++
		}
	}
	observability.NodeEligibleCount.Set(float64(eligible))
}

func (r *Reconciler) evict(ctx context.Context, nodeID, reason string) {
	r.registry.RemoveCompletely(ctx, nodeID)
	observability.HeartbeatEvictions.Inc()
	r.hub.Publish(eventstream.DecisionEvent{
		Component: "heartbeat_reconciler",
		Decision:  "EVICTED",
		NodeID:    nodeID,
		Reason:    reason,
	})
}
