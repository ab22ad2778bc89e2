package broker

import (
	"context"
	"time"

	"github.com/relaycore/dispatchcore/internal/model"
)

// Broker abstracts the shared in-memory broker (Redis in production) that
// holds hints — node presence/health, rankings, and the work/control/
// pending queues. The Task Repository remains the source of truth for
// task state; the broker is never consulted for that.
type Broker interface {
	// ActiveNodeIDs returns the current members of the active-node set.
	ActiveNodeIDs(ctx context.Context) ([]string, error)

	// IsActiveMember reports whether nodeID is currently a member of the
	// active-node set.
	IsActiveMember(ctx context.Context, nodeID string) (bool, error)

	// NodeHash returns the raw hash fields for a node, or nil if the key
	// does not exist (node never registered or its entry expired).
	NodeHash(ctx context.Context, nodeID string) (map[string]string, error)

	// RankScore returns the node's score in the node_rankings sorted
	// set, and whether it is present at all.
	RankScore(ctx context.Context, nodeID string) (float64, bool, error)

	// RankingMemberIDs returns every node_rankings member, independent
	// of active-set membership, so the registry can find and evict
	// nodes ranked but no longer active.
	RankingMemberIDs(ctx context.Context) ([]string, error)

	// RemoveFromRanking evicts a node from node_rankings only.
	RemoveFromRanking(ctx context.Context, nodeID string) error

	// RemoveFromActiveSet evicts a node from the active_nodes set only.
	RemoveFromActiveSet(ctx context.Context, nodeID string) error

	// RemoveNodeHash deletes a node's worker_nodes:{id} hash.
	RemoveNodeHash(ctx context.Context, nodeID string) error

	// PushWorkMessage pushes a work message onto the head of a node's
	// per-node task queue.
	PushWorkMessage(ctx context.Context, nodeID string, msg *model.WorkMessage) error

	// PushControlMessage pushes a control message onto a node's
	// per-node control queue.
	PushControlMessage(ctx context.Context, nodeID string, msg *model.ControlMessage) error

	// PushPendingHead pushes a PendingTask envelope onto the head of the
	// global pending queue (used for requeues, so a failing envelope is
	// retried before older ones).
	PushPendingHead(ctx context.Context, env *model.PendingTaskEnvelope) error

	// PopPendingTail pops exactly one envelope from the tail of the
	// global pending queue (FIFO by arrival), or returns nil, nil if
	// the queue is empty.
	PopPendingTail(ctx context.Context) (*model.PendingTaskEnvelope, error)

	// PendingQueueLength reports the current depth of the global
	// pending queue, for the dispatch_pending_queue_depth gauge.
	PendingQueueLength(ctx context.Context) (int64, error)
}

// Clock abstracts time.Now so liveness windows are testable without a
// real sleep; production wiring uses RealClock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
