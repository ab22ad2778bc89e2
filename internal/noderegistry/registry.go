// Package noderegistry turns the broker's raw view of workers into a
// ranked list of dispatch candidates. The registry itself owns no
// canonical store — it is always a live view recomputed from the
// broker and the task repository.
package noderegistry

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/relaycore/dispatchcore/internal/broker"
	"github.com/relaycore/dispatchcore/internal/lockservice"
	"github.com/relaycore/dispatchcore/internal/model"
)

// CapacityCounter is the subset of taskrepo.Repository the registry
// needs to re-derive a node's authoritative PROCESSING count during
// selection.
type CapacityCounter interface {
	CountProcessingForNode(ctx context.Context, nodeID string) (int, error)
}

// Config collects the registry's tunables.
type Config struct {
	LivenessWindow      time.Duration
	PerNodeCapacity     int
	SelectionShardCount int
	SelectionLockTTL    time.Duration
	SelectionLockWait   time.Duration
}

type Registry struct {
	broker broker.Broker
	repo   CapacityCounter
	locks  *lockservice.Service
	clock  broker.Clock
	cfg    Config
}

func New(b broker.Broker, repo CapacityCounter, locks *lockservice.Service, clock broker.Clock, cfg Config) *Registry {
	return &Registry{broker: b, repo: repo, locks: locks, clock: clock, cfg: cfg}
}

// ListAll returns every node currently advertised, regardless of
// status. Broker errors degrade to an empty list rather than an error.
func (r *Registry) ListAll(ctx context.Context) []*model.Node {
	ids, err := r.broker.ActiveNodeIDs(ctx)
	if err != nil || ids == nil {
		return nil
	}

	var nodes []*model.Node
	for _, id := range ids {
		fields, err := r.broker.NodeHash(ctx, id)
		if err != nil {
			log.Printf("noderegistry: list_all: read hash %s: %v", id, err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		nodes = append(nodes, parseNodeHash(id, fields))
	}
	return nodes
}

// IsHealthy reports ONLINE + active-set membership + heartbeat inside
// the liveness window.
func (r *Registry) IsHealthy(ctx context.Context, nodeID string) bool {
	member, err := r.broker.IsActiveMember(ctx, nodeID)
	if err != nil || !member {
		return false
	}

	fields, err := r.broker.NodeHash(ctx, nodeID)
	if err != nil || len(fields) == 0 {
		return false
	}

	n := parseNodeHash(nodeID, fields)
	return r.nodeIsLive(n)
}

func (r *Registry) nodeIsLive(n *model.Node) bool {
	if n.Status != model.NodeOnline {
		return false
	}
	age := r.clock.Now().Sub(n.LastHeartbeat)
	return age >= 0 && age <= r.cfg.LivenessWindow
}

// ListAvailable returns eligible nodes, evicting active-set members
// that fail health or have a hashless entry as they are discovered,
// and removing any node_rankings member that is no longer in the
// active-node set at all.
func (r *Registry) ListAvailable(ctx context.Context) []*model.Node {
	ids, err := r.broker.ActiveNodeIDs(ctx)
	if err != nil || ids == nil {
		return nil
	}

	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}
	r.evictOrphanedRankings(ctx, active)

	var available []*model.Node
	for _, id := range ids {
		fields, err := r.broker.NodeHash(ctx, id)
		if err != nil {
			log.Printf("noderegistry: list_available: read hash %s: %v", id, err)
			continue
		}
		if len(fields) == 0 {
			r.RemoveCompletely(ctx, id)
			continue
		}

		n := parseNodeHash(id, fields)
		if !r.nodeIsLive(n) {
			r.RemoveCompletely(ctx, id)
			continue
		}

		score, present, err := r.broker.RankScore(ctx, id)
		if err == nil && present {
			n.RankScore = score
		}
		available = append(available, n)
	}

	return available
}

// evictOrphanedRankings removes node_rankings members that are not in
// the given active set: a node that dropped out of active_nodes
// without ever being de-ranked should not linger in the ranking
// structure forever.
func (r *Registry) evictOrphanedRankings(ctx context.Context, active map[string]bool) {
	ranked, err := r.broker.RankingMemberIDs(ctx)
	if err != nil {
		log.Printf("noderegistry: list_available: read rankings: %v", err)
		return
	}
	for _, id := range ranked {
		if !active[id] {
			r.RemoveFromRanking(ctx, id)
		}
	}
}

// SelectOptimal picks at most one eligible node for task, guarded by
// the sharded node_selection lock so at most a handful of concurrent
// selections proceed fleet-wide. Returns nil, nil when no node
// qualifies — callers treat that as backpressure, never an error.
func (r *Registry) SelectOptimal(ctx context.Context, now time.Time) (*model.Node, error) {
	shard := lockservice.SelectionShard(now.UnixMilli(), r.cfg.SelectionShardCount)
	key := lockservice.NodeSelectionKey(shard)

	var chosen *model.Node
	err := r.locks.WithLock(ctx, key, r.cfg.SelectionLockTTL, r.cfg.SelectionLockWait, func(ctx context.Context) error {
		candidates := r.ListAvailable(ctx)
		if len(candidates) == 0 {
			return nil
		}

		for _, n := range candidates {
			count, err := r.repo.CountProcessingForNode(ctx, n.NodeID)
			if err != nil {
				log.Printf("noderegistry: select_optimal: count for %s: %v", n.NodeID, err)
				continue
			}
			n.ActiveTaskCount = count
		}

		var eligible []*model.Node
		for _, n := range candidates {
			if n.ActiveTaskCount < r.cfg.PerNodeCapacity {
				eligible = append(eligible, n)
			}
		}
		if len(eligible) == 0 {
			return nil
		}

		sort.SliceStable(eligible, func(i, j int) bool {
			si, sj := eligible[i].Score(), eligible[j].Score()
			if si != sj {
				return si < sj
			}
			return eligible[i].RankScore < eligible[j].RankScore
		})
		chosen = eligible[0]
		return nil
	})
	if err != nil && !lockservice.IsNotRun(err) {
		return nil, err
	}
	// lockservice.IsNotRun means the selection lock was unavailable this
	// attempt: treated as "no node", not an error.
	return chosen, nil
}

// RemoveFromRanking evicts a node from the ranking structure only.
func (r *Registry) RemoveFromRanking(ctx context.Context, nodeID string) {
	if err := r.broker.RemoveFromRanking(ctx, nodeID); err != nil {
		log.Printf("noderegistry: remove_from_ranking %s: %v", nodeID, err)
	}
}

// RemoveCompletely evicts a node from the ranking, the active set, and
// deletes its hash.
func (r *Registry) RemoveCompletely(ctx context.Context, nodeID string) {
	if err := r.broker.RemoveFromRanking(ctx, nodeID); err != nil {
		log.Printf("noderegistry: remove_completely: ranking %s: %v", nodeID, err)
	}
	if err := r.broker.RemoveFromActiveSet(ctx, nodeID); err != nil {
		log.Printf("noderegistry: remove_completely: active set %s: %v", nodeID, err)
	}
	if err := r.broker.RemoveNodeHash(ctx, nodeID); err != nil {
		log.Printf("noderegistry: remove_completely: hash %s: %v", nodeID, err)
	}
}
