package dispatcher

import (
	"context"
	"log"
	"time"

	"github.com/relaycore/dispatchcore/internal/lockservice"
	"github.com/relaycore/dispatchcore/internal/model"
	"github.com/relaycore/dispatchcore/internal/observability"
)

// drainOneTick pops exactly one envelope from the pending queue and
// drives it to PROCESSING, requeue, or FAILED.
func (d *Dispatcher) drainOneTick(ctx context.Context) {
	if depth, err := d.brk.PendingQueueLength(ctx); err != nil {
		log.Printf("dispatcher: pending-drain: queue length: %v", err)
	} else {
		observability.PendingQueueDepth.Set(float64(depth))
	}

	env, err := d.brk.PopPendingTail(ctx)
	if err != nil {
		log.Printf("dispatcher: pending-drain: pop: %v", err)
		return
	}
	if env == nil {
		return
	}

	err = d.locks.WithLock(ctx, lockservice.PendingTaskProcessKey(env.TaskID), d.cfg.PendingProcLockTTL, d.cfg.PendingProcLockWait, func(ctx context.Context) error {
		task, err := d.repo.Find(ctx, env.TaskID)
		if err != nil {
			return err
		}
		if task == nil || task.Status != model.StatusPending {
			return nil
		}

		node, err := d.registry.SelectOptimal(ctx, d.clock.Now())
		if err != nil {
			log.Printf("dispatcher: pending-drain: select_optimal %s: %v", env.TaskID, err)
		}

		if node != nil {
			marked, err := d.repo.MarkDispatching(ctx, task.TaskID)
			if err != nil {
				return err
			}
			if !marked {
				return nil
			}
			task.AssignedNodeID = node.NodeID
			handed, err := d.handoff(ctx, task, node)
			if err != nil {
				return err
			}
			if handed {
				return nil
			}
			if _, err := d.repo.RevertToPending(ctx, task.TaskID); err != nil {
				return err
			}
		}

		d.requeueOrFail(ctx, task, env.RetryCount)
		return nil
	})
	if err != nil && !lockservice.IsNotRun(err) {
		log.Printf("dispatcher: pending-drain: process %s: %v", env.TaskID, err)
	}
}

func (d *Dispatcher) requeueOrFail(ctx context.Context, task *model.Task, retryCount int) {
	newRetry := retryCount + 1
	if retryCount < d.cfg.MaxRetryAttempts {
		if err := d.brk.PushPendingHead(ctx, &model.PendingTaskEnvelope{
			TaskID:     task.TaskID,
			RetryCount: newRetry,
			EnqueuedAt: d.clock.Now(),
		}); err != nil {
			log.Printf("dispatcher: pending-drain: requeue %s: %v", task.TaskID, err)
			return
		}
		observability.DispatchDecisions.WithLabelValues("PARKED").Inc()
		d.publish("dispatcher", "PARKED", task.TaskID, "", "requeued, no node available")
		return
	}

	observability.TaskRetryCount.Observe(float64(newRetry))
	if _, err := d.repo.MarkFailed(ctx, task.TaskID, model.StatusPending, newRetry, reasonNoAvailableNodes); err != nil {
		log.Printf("dispatcher: pending-drain: mark failed %s: %v", task.TaskID, err)
		return
	}
	d.publish("dispatcher", "FAILED", task.TaskID, "", reasonNoAvailableNodes)
}

// reclaimOneTick runs the global stuck-task sweep, serialized fleet-wide
// by recover_stuck_tasks_lock.
func (d *Dispatcher) reclaimOneTick(ctx context.Context) {
	err := d.locks.WithLock(ctx, lockservice.RecoverStuckTasksLockKey, d.cfg.RecoverAllLockTTL, d.cfg.RecoverAllLockWait, func(ctx context.Context) error {
		threshold := d.clock.Now().Add(-d.cfg.StuckThreshold)
		stuck, err := d.repo.ListStuck(ctx, threshold)
		if err != nil {
			return err
		}

		for _, task := range stuck {
			d.reclaimOne(ctx, task, threshold)
		}
		return nil
	})
	if err != nil && !lockservice.IsNotRun(err) {
		log.Printf("dispatcher: stuck-reclaimer: tick: %v", err)
	}
}

func (d *Dispatcher) reclaimOne(ctx context.Context, task *model.Task, threshold time.Time) {
	err := d.locks.WithLock(ctx, lockservice.TaskRecoverKey(task.TaskID), d.cfg.TaskRecoverLockTTL, d.cfg.TaskRecoverLockWait, func(ctx context.Context) error {
		fresh, err := d.repo.Find(ctx, task.TaskID)
		if err != nil {
			return err
		}
		if fresh == nil || fresh.Status != model.StatusProcessing || !fresh.UpdatedAt.Before(threshold) {
			return nil
		}

		newRetry := fresh.RetryCount + 1
		if newRetry <= d.cfg.MaxRetryAttempts {
			ok, err := d.repo.RequeueFromStuck(ctx, task.TaskID, newRetry)
			if err != nil {
				return err
			}
			if ok {
				observability.ReclaimDecisions.WithLabelValues("REQUEUED").Inc()
				if err := d.brk.PushPendingHead(ctx, &model.PendingTaskEnvelope{
					TaskID:     task.TaskID,
					RetryCount: newRetry,
					EnqueuedAt: d.clock.Now(),
				}); err != nil {
					log.Printf("dispatcher: stuck-reclaimer: enqueue %s: %v", task.TaskID, err)
				}
				d.publish("dispatcher", "RECLAIMED", task.TaskID, fresh.AssignedNodeID, "stuck in PROCESSING")
			}
			return nil
		}

		observability.ReclaimDecisions.WithLabelValues("FAILED").Inc()
		observability.TaskRetryCount.Observe(float64(newRetry))
		if _, err := d.repo.MarkFailed(ctx, task.TaskID, model.StatusProcessing, newRetry, reasonRecoveryCapped); err != nil {
			return err
		}
		d.publish("dispatcher", "FAILED", task.TaskID, fresh.AssignedNodeID, reasonRecoveryCapped)
		return nil
	})
	if err != nil && !lockservice.IsNotRun(err) {
		log.Printf("dispatcher: stuck-reclaimer: recover %s: %v", task.TaskID, err)
	}
}
