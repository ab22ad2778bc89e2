// Package taskrepo is the durable store of tasks and their lifecycle
// state. Every state transition is a single atomic update statement;
// there is no dirty-tracking in-memory record to flush.
package taskrepo

import (
	"context"
	"time"

	"github.com/relaycore/dispatchcore/internal/model"
)

// Filter narrows List results. Zero-value fields are unconstrained.
type Filter struct {
	Status               model.TaskStatus
	SourceLanguage       string
	TargetLanguageSubstr string
	TextContentSubstr    string
}

// Repository is the durable task store surface the rest of the core
// depends on.
type Repository interface {
	// Insert persists a new task in PENDING with RetryCount=0 and
	// returns the persisted row (with generated TaskID/timestamps if
	// the caller left them empty).
	Insert(ctx context.Context, task *model.Task) (*model.Task, error)

	// Find is a point read; returns nil, nil if the task does not
	// exist.
	Find(ctx context.Context, taskID string) (*model.Task, error)

	// MarkDispatching performs PENDING -> DISPATCHING, advancing
	// updated_at. Returns false (no error) if the task was not in
	// PENDING when the statement ran — a benign race, not a failure.
	MarkDispatching(ctx context.Context, taskID string) (bool, error)

	// MarkProcessing performs DISPATCHING -> PROCESSING, setting
	// assigned_node_id and advancing updated_at.
	MarkProcessing(ctx context.Context, taskID, nodeID string) (bool, error)

	// RevertToPending performs DISPATCHING -> PENDING. Used when
	// dispatch finds no eligible node (or handoff fails) after already
	// persisting the DISPATCHING observation point, so a task parked in
	// the pending queue reads back as PENDING and the drain sweeper can
	// pick it up again.
	RevertToPending(ctx context.Context, taskID string) (bool, error)

	// RequeueFromStuck performs PROCESSING -> PENDING, clearing
	// assigned_node_id, setting retry_count, and advancing updated_at.
	RequeueFromStuck(ctx context.Context, taskID string, newRetryCount int) (bool, error)

	// MarkFailed sets status=FAILED with an error message and, when
	// newRetryCount >= 0, also updates retry_count (used by both the
	// pending-drain ceiling and the reclaimer ceiling). expected, when
	// non-empty, CAS-guards the transition on the task's current
	// status; pass "" to force the transition unconditionally.
	MarkFailed(ctx context.Context, taskID string, expected model.TaskStatus, newRetryCount int, errMsg string) (bool, error)

	// Cancel sets status=CANCELLED unconditionally. The caller — not
	// the Dispatcher — is responsible for calling this before issuing
	// the CANCEL_TASK control message.
	Cancel(ctx context.Context, taskID string) (bool, error)

	// ListStuck returns all PROCESSING tasks whose updated_at is older
	// than threshold.
	ListStuck(ctx context.Context, threshold time.Time) ([]*model.Task, error)

	// CountProcessingForNode returns the number of tasks currently
	// assigned to nodeID with status PROCESSING — the authoritative
	// per-node capacity count used by selection and handoff.
	CountProcessingForNode(ctx context.Context, nodeID string) (int, error)

	// List applies Filter and returns matching tasks.
	List(ctx context.Context, filter Filter) ([]*model.Task, error)
}
