package taskrepo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/dispatchcore/internal/model"
)

// MemoryRepository is an in-memory fake Repository for tests
// (RWMutex-protected map, copy-on-read to avoid aliasing the caller's
// pointer into internal state).
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*model.Task)}
}

// SetUpdatedAt backdates a task's updated_at for tests exercising the
// stuck-task reclaimer without a real 30-minute wait.
func (r *MemoryRepository) SetUpdatedAt(taskID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[taskID]; ok {
		task.UpdatedAt = t
	}
}

func copyTask(t *model.Task) *model.Task {
	cp := *t
	cp.TargetLanguages = append([]string(nil), t.TargetLanguages...)
	return &cp
}

func (r *MemoryRepository) Insert(ctx context.Context, task *model.Task) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	task.Status = model.StatusPending
	task.RetryCount = 0
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	stored := copyTask(task)
	r.tasks[stored.TaskID] = stored
	return copyTask(stored), nil
}

func (r *MemoryRepository) Find(ctx context.Context, taskID string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (r *MemoryRepository) transition(taskID string, from model.TaskStatus, mutate func(*model.Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok || t.Status != from {
		return false
	}
	mutate(t)
	t.UpdatedAt = time.Now()
	return true
}

func (r *MemoryRepository) MarkDispatching(ctx context.Context, taskID string) (bool, error) {
	ok := r.transition(taskID, model.StatusPending, func(t *model.Task) {
		t.Status = model.StatusDispatching
	})
	return ok, nil
}

func (r *MemoryRepository) MarkProcessing(ctx context.Context, taskID, nodeID string) (bool, error) {
	ok := r.transition(taskID, model.StatusDispatching, func(t *model.Task) {
		t.Status = model.StatusProcessing
		t.AssignedNodeID = nodeID
	})
	return ok, nil
}

func (r *MemoryRepository) RevertToPending(ctx context.Context, taskID string) (bool, error) {
	ok := r.transition(taskID, model.StatusDispatching, func(t *model.Task) {
		t.Status = model.StatusPending
	})
	return ok, nil
}

func (r *MemoryRepository) RequeueFromStuck(ctx context.Context, taskID string, newRetryCount int) (bool, error) {
	ok := r.transition(taskID, model.StatusProcessing, func(t *model.Task) {
		t.Status = model.StatusPending
		t.AssignedNodeID = ""
		t.RetryCount = newRetryCount
	})
	return ok, nil
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, taskID string, expected model.TaskStatus, newRetryCount int, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return false, nil
	}
	if expected != "" && t.Status != expected {
		return false, nil
	}
	t.Status = model.StatusFailed
	t.ErrorMessage = errMsg
	if newRetryCount >= 0 {
		t.RetryCount = newRetryCount
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRepository) Cancel(ctx context.Context, taskID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return false, nil
	}
	t.Status = model.StatusCancelled
	t.AssignedNodeID = ""
	t.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRepository) ListStuck(ctx context.Context, threshold time.Time) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Task
	for _, t := range r.tasks {
		if t.Status == model.StatusProcessing && t.UpdatedAt.Before(threshold) {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountProcessingForNode(ctx context.Context, nodeID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, t := range r.tasks {
		if t.Status == model.StatusProcessing && t.AssignedNodeID == nodeID {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Task
	for _, t := range r.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.SourceLanguage != "" && t.SourceLanguage != filter.SourceLanguage {
			continue
		}
		if filter.TargetLanguageSubstr != "" && !containsLanguage(t.TargetLanguages, filter.TargetLanguageSubstr) {
			continue
		}
		if filter.TextContentSubstr != "" && !strings.Contains(t.TextContent, filter.TextContentSubstr) {
			continue
		}
		out = append(out, copyTask(t))
	}
	return out, nil
}

func containsLanguage(languages []string, substr string) bool {
	for _, l := range languages {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
