// Package dispatcher is the scheduler and task-state-machine driver:
// the synchronous dispatch/handoff fast path plus the pending-drain and
// stuck-task-reclaimer background sweepers, each a ticker-driven loop
// with panic recovery.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycore/dispatchcore/internal/broker"
	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/eventstream"
	"github.com/relaycore/dispatchcore/internal/lockservice"
	"github.com/relaycore/dispatchcore/internal/model"
	"github.com/relaycore/dispatchcore/internal/noderegistry"
	"github.com/relaycore/dispatchcore/internal/observability"
	"github.com/relaycore/dispatchcore/internal/taskrepo"
)

const (
	reasonNoAvailableNodes = "No available nodes after 10 retry attempts"
	reasonRecoveryCapped   = "Task failed after 10 recovery attempts"
)

// Dispatcher owns the synchronous dispatch/handoff fast path and the
// two background sweepers that keep the task state machine moving
// forward on their own.
type Dispatcher struct {
	repo     taskrepo.Repository
	registry *noderegistry.Registry
	locks    *lockservice.Service
	brk      broker.Broker
	limiter  *handoffLimiter
	hub      *eventstream.Hub
	clock    broker.Clock
	cfg      config.Config
}

func New(repo taskrepo.Repository, registry *noderegistry.Registry, locks *lockservice.Service, brk broker.Broker, hub *eventstream.Hub, clock broker.Clock, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		registry: registry,
		locks:    locks,
		brk:      brk,
		limiter:  newHandoffLimiter(cfg.NodeHandoffRateLimit, cfg.NodeHandoffBurst),
		hub:      hub,
		clock:    clock,
		cfg:      cfg,
	}
}

func (d *Dispatcher) publish(component, decision, taskID, nodeID, reason string) {
	d.hub.Publish(eventstream.DecisionEvent{
		Component: component,
		Decision:  decision,
		TaskID:    taskID,
		NodeID:    nodeID,
		Reason:    reason,
	})
}

// Dispatch is the synchronous fast path, guarded by
// task_dispatch:{task_id}. A caller ignoring the returned false is
// safe: the pending-drain sweeper will eventually pick the task up if
// it never left PENDING.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) (bool, error) {
	dispatched := false
	err := d.locks.WithLock(ctx, lockservice.TaskDispatchKey(taskID), d.cfg.TaskDispatchLockTTL, d.cfg.TaskDispatchLockWait, func(ctx context.Context) error {
		task, err := d.repo.Find(ctx, taskID)
		if err != nil {
			return fmt.Errorf("dispatcher: dispatch: find %s: %w", taskID, err)
		}
		if task == nil {
			dispatched = true
			return nil
		}
		if task.Status != model.StatusPending {
			dispatched = true
			return nil
		}

		ok, err := d.repo.MarkDispatching(ctx, taskID)
		if err != nil {
			return fmt.Errorf("dispatcher: dispatch: mark dispatching %s: %w", taskID, err)
		}
		if !ok {
			dispatched = true
			return nil
		}
		d.publish("dispatcher", "DISPATCHING", taskID, "", "")

		node, err := d.registry.SelectOptimal(ctx, d.clock.Now())
		if err != nil {
			log.Printf("dispatcher: dispatch: select_optimal %s: %v", taskID, err)
		}
		if node == nil {
			observability.DispatchDecisions.WithLabelValues("NO_NODE").Inc()
			d.publish("dispatcher", "PARKED", taskID, "", "no eligible node")
			if _, err := d.repo.RevertToPending(ctx, taskID); err != nil {
				return fmt.Errorf("dispatcher: dispatch: revert to pending %s: %w", taskID, err)
			}
			if err := d.brk.PushPendingHead(ctx, &model.PendingTaskEnvelope{TaskID: taskID, RetryCount: task.RetryCount, EnqueuedAt: d.clock.Now()}); err != nil {
				return fmt.Errorf("dispatcher: dispatch: enqueue pending %s: %w", taskID, err)
			}
			dispatched = true
			return nil
		}

		task.AssignedNodeID = node.NodeID
		handed, err := d.handoff(ctx, task, node)
		if err != nil {
			return err
		}
		if !handed {
			observability.DispatchDecisions.WithLabelValues("HANDOFF_FAILED").Inc()
			d.publish("dispatcher", "PARKED", taskID, node.NodeID, "handoff capacity exceeded")
			if _, err := d.repo.RevertToPending(ctx, taskID); err != nil {
				return fmt.Errorf("dispatcher: dispatch: revert to pending after failed handoff %s: %w", taskID, err)
			}
			if err := d.brk.PushPendingHead(ctx, &model.PendingTaskEnvelope{TaskID: taskID, RetryCount: task.RetryCount, EnqueuedAt: d.clock.Now()}); err != nil {
				return fmt.Errorf("dispatcher: dispatch: enqueue pending after failed handoff %s: %w", taskID, err)
			}
		}
		dispatched = true
		return nil
	})
	if lockservice.IsNotRun(err) {
		observability.DispatchDecisions.WithLabelValues("LOCK_UNAVAILABLE").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return dispatched, nil
}

// handoff is guarded by node_dispatch:{node_id}. The broker push
// precedes the status update; a worker receiving a task whose
// repository status is still DISPATCHING must tolerate it.
func (d *Dispatcher) handoff(ctx context.Context, task *model.Task, node *model.Node) (bool, error) {
	if !d.limiter.allow(node.NodeID) {
		return false, nil
	}

	handed := false
	err := d.locks.WithLock(ctx, lockservice.NodeDispatchKey(node.NodeID), d.cfg.NodeDispatchLockTTL, d.cfg.NodeDispatchLockWait, func(ctx context.Context) error {
		count, err := d.repo.CountProcessingForNode(ctx, node.NodeID)
		if err != nil {
			return fmt.Errorf("handoff: count for %s: %w", node.NodeID, err)
		}
		if count >= d.cfg.PerNodeCapacity {
			return nil
		}

		msg := &model.WorkMessage{
			TaskID:          task.TaskID,
			AudioPointer:    task.AudioPointer,
			TextContent:     task.TextContent,
			SourceLanguage:  task.SourceLanguage,
			TargetLanguages: task.TargetLanguages,
			OriginalText:    task.OriginalText,
		}
		if err := d.brk.PushWorkMessage(ctx, node.NodeID, msg); err != nil {
			return fmt.Errorf("handoff: push work message %s -> %s: %w", task.TaskID, node.NodeID, err)
		}

		ok, err := d.repo.MarkProcessing(ctx, task.TaskID, node.NodeID)
		if err != nil {
			return fmt.Errorf("handoff: mark processing %s: %w", task.TaskID, err)
		}
		handed = ok
		return nil
	})
	if lockservice.IsNotRun(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if handed {
		observability.DispatchDecisions.WithLabelValues("DISPATCHED").Inc()
		d.publish("dispatcher", "HANDED_OFF", task.TaskID, node.NodeID, "")
	}
	return handed, nil
}

// Cancel pushes a CANCEL_TASK control message. The caller is
// responsible for having already set CANCELLED in the repository;
// this method never touches task status.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, nodeID string) error {
	msg := &model.ControlMessage{
		Action:    model.ControlActionCancelTask,
		TaskID:    taskID,
		Timestamp: d.clock.Now(),
	}
	if err := d.brk.PushControlMessage(ctx, nodeID, msg); err != nil {
		return fmt.Errorf("dispatcher: cancel %s on %s: %w", taskID, nodeID, err)
	}
	return nil
}

// Start launches the two background sweepers under an errgroup.Group,
// so a panic recovered-and-logged in one does not silently stop the
// process.
func (d *Dispatcher) Start(ctx context.Context) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.runPendingDrain(gctx)
		return nil
	})
	g.Go(func() error {
		d.runStuckReclaimer(gctx)
		return nil
	})

	return g
}

func (d *Dispatcher) runPendingDrain(ctx context.Context) {
	tick := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("dispatcher: CRITICAL: pending-drain sweeper panicked: %v", r)
			}
		}()
		d.drainOneTick(ctx)
	}

	ticker := time.NewTicker(d.cfg.PendingDrainInterval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (d *Dispatcher) runStuckReclaimer(ctx context.Context) {
	tick := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("dispatcher: CRITICAL: stuck-task reclaimer panicked: %v", r)
			}
		}()
		d.reclaimOneTick(ctx)
	}

	select {
	case <-time.After(d.cfg.ReclaimerInterval):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(d.cfg.ReclaimerInterval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
