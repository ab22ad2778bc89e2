package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/eventstream"
	"github.com/relaycore/dispatchcore/internal/lockservice"
	"github.com/relaycore/dispatchcore/internal/model"
	"github.com/relaycore/dispatchcore/internal/noderegistry"
	"github.com/relaycore/dispatchcore/internal/taskrepo"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeLockBackend struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeLockBackend() *fakeLockBackend {
	return &fakeLockBackend{keys: make(map[string]bool)}
}

func (f *fakeLockBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeLockBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	active   map[string]bool
	hashes   map[string]map[string]string
	rankings map[string]float64
	work     map[string][]*model.WorkMessage
	control  map[string][]*model.ControlMessage
	pending  []*model.PendingTaskEnvelope
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		active:   make(map[string]bool),
		hashes:   make(map[string]map[string]string),
		rankings: make(map[string]float64),
		work:     make(map[string][]*model.WorkMessage),
		control:  make(map[string][]*model.ControlMessage),
	}
}

func (b *fakeBroker) registerNode(id string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[id] = true
	b.hashes[id] = map[string]string{
		"status":            "ONLINE",
		"last_heartbeat":    now.Format(time.RFC3339),
		"cpu_usage":         "1",
		"memory_used":       "1",
		"memory_total":      "100",
		"active_task_count": "0",
	}
}

func (b *fakeBroker) ActiveNodeIDs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, ok := range b.active {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *fakeBroker) IsActiveMember(ctx context.Context, nodeID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[nodeID], nil
}

func (b *fakeBroker) NodeHash(ctx context.Context, nodeID string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hashes[nodeID], nil
}

func (b *fakeBroker) RankScore(ctx context.Context, nodeID string) (float64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.rankings[nodeID]
	return s, ok, nil
}

func (b *fakeBroker) RankingMemberIDs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id := range b.rankings {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *fakeBroker) RemoveFromRanking(ctx context.Context, nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rankings, nodeID)
	return nil
}

func (b *fakeBroker) RemoveFromActiveSet(ctx context.Context, nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, nodeID)
	return nil
}

func (b *fakeBroker) RemoveNodeHash(ctx context.Context, nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hashes, nodeID)
	return nil
}

func (b *fakeBroker) PushWorkMessage(ctx context.Context, nodeID string, msg *model.WorkMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.work[nodeID] = append(b.work[nodeID], msg)
	return nil
}

func (b *fakeBroker) PushControlMessage(ctx context.Context, nodeID string, msg *model.ControlMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.control[nodeID] = append(b.control[nodeID], msg)
	return nil
}

func (b *fakeBroker) PushPendingHead(ctx context.Context, env *model.PendingTaskEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([]*model.PendingTaskEnvelope{env}, b.pending...)
	return nil
}

func (b *fakeBroker) PopPendingTail(ctx context.Context) (*model.PendingTaskEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, nil
	}
	last := b.pending[len(b.pending)-1]
	b.pending = b.pending[:len(b.pending)-1]
	return last, nil
}

func (b *fakeBroker) PendingQueueLength(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.pending)), nil
}

func testHarness(now time.Time) (*Dispatcher, *taskrepo.MemoryRepository, *fakeBroker, *fakeClock) {
	repo := taskrepo.NewMemoryRepository()
	brk := newFakeBroker()
	clock := &fakeClock{now: now}
	locks := lockservice.New(newFakeLockBackend())
	registry := noderegistry.New(brk, repo, locks, clock, noderegistry.Config{
		LivenessWindow:      5 * time.Minute,
		PerNodeCapacity:     10,
		SelectionShardCount: 5,
		SelectionLockTTL:    3 * time.Second,
		SelectionLockWait:   1 * time.Second,
	})

	cfg := config.Default()
	disp := New(repo, registry, locks, brk, eventstream.NewHub(8), clock, cfg)
	return disp, repo, brk, clock
}

func TestDispatchHandsOffToAvailableNode(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	disp, repo, brk, _ := testHarness(now)
	brk.registerNode("n1", now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en", TargetLanguages: []string{"fr"}, TextContent: "hi"})

	dispatched, err := disp.Dispatch(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dispatched {
		t.Fatal("expected dispatched=true")
	}

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusProcessing {
		t.Errorf("status = %v, want PROCESSING", found.Status)
	}
	if found.AssignedNodeID != "n1" {
		t.Errorf("assigned_node_id = %q, want n1", found.AssignedNodeID)
	}
	if len(brk.work["n1"]) != 1 {
		t.Errorf("expected one work message pushed to n1, got %d", len(brk.work["n1"]))
	}
}

func TestDispatchParksWhenNoNodeAvailable(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	disp, repo, brk, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	dispatched, err := disp.Dispatch(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dispatched {
		t.Fatal("expected dispatched=true (parked counts as success)")
	}

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusPending {
		t.Errorf("status = %v, want PENDING (parked tasks revert from the DISPATCHING observation point)", found.Status)
	}
	if len(brk.pending) != 1 {
		t.Fatalf("expected one pending envelope, got %d", len(brk.pending))
	}
}

func TestDispatchIsIdempotentOnNonPendingTask(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	disp, repo, _, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	repo.MarkDispatching(ctx, task.TaskID)
	repo.MarkProcessing(ctx, task.TaskID, "already-assigned")

	dispatched, err := disp.Dispatch(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dispatched {
		t.Error("expected dispatch on an already-progressed task to report success without acting")
	}

	found, _ := repo.Find(ctx, task.TaskID)
	if found.AssignedNodeID != "already-assigned" {
		t.Error("dispatch must not have touched a task that already left PENDING")
	}
}

func TestPendingDrainMovesQueuedTaskToProcessingOnceNodeAppears(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	disp, repo, brk, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	if _, err := disp.Dispatch(ctx, task.TaskID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	brk.registerNode("late-node", now)
	disp.drainOneTick(ctx)

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusProcessing {
		t.Errorf("status after drain = %v, want PROCESSING", found.Status)
	}
}

func TestPendingDrainFailsTaskAtRetryCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	disp, repo, brk, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	repo.MarkDispatching(ctx, task.TaskID)
	// Force back to PENDING with retry_count already at the ceiling:
	// the 11th drain cycle (retry_count == MaxRetryAttempts) must fail,
	// not the 10th.
	repo.MarkProcessing(ctx, task.TaskID, "x")
	repo.RequeueFromStuck(ctx, task.TaskID, disp.cfg.MaxRetryAttempts)

	brk.pending = append(brk.pending, &model.PendingTaskEnvelope{TaskID: task.TaskID, RetryCount: disp.cfg.MaxRetryAttempts})
	disp.drainOneTick(ctx)

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusFailed {
		t.Errorf("status = %v, want FAILED once retry ceiling is reached", found.Status)
	}
	if found.ErrorMessage != reasonNoAvailableNodes {
		t.Errorf("error_message = %q, want %q", found.ErrorMessage, reasonNoAvailableNodes)
	}
}

func TestStuckReclaimerRequeuesBelowCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	disp, repo, brk, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	repo.MarkDispatching(ctx, task.TaskID)
	repo.MarkProcessing(ctx, task.TaskID, "n1")
	repo.SetUpdatedAt(task.TaskID, now.Add(-time.Hour))

	disp.reclaimOneTick(ctx)

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusPending {
		t.Errorf("status = %v, want PENDING after reclaim", found.Status)
	}
	if found.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", found.RetryCount)
	}
	if found.AssignedNodeID != "" {
		t.Errorf("assigned_node_id = %q, want empty after reclaim", found.AssignedNodeID)
	}
	if len(brk.pending) != 1 {
		t.Errorf("expected a fresh pending envelope, got %d", len(brk.pending))
	}
}

func TestStuckReclaimerFailsTaskAtRetryCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	disp, repo, _, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	repo.MarkDispatching(ctx, task.TaskID)
	repo.MarkProcessing(ctx, task.TaskID, "n1")
	repo.RequeueFromStuck(ctx, task.TaskID, disp.cfg.MaxRetryAttempts)
	repo.MarkDispatching(ctx, task.TaskID)
	repo.MarkProcessing(ctx, task.TaskID, "n1")
	repo.SetUpdatedAt(task.TaskID, now.Add(-time.Hour))

	disp.reclaimOneTick(ctx)

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusFailed {
		t.Errorf("status = %v, want FAILED once recovery attempts are exhausted", found.Status)
	}
	if found.ErrorMessage != reasonRecoveryCapped {
		t.Errorf("error_message = %q, want %q", found.ErrorMessage, reasonRecoveryCapped)
	}
}

func TestCancelPushesControlMessageWithoutTouchingStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	disp, repo, brk, _ := testHarness(now)

	task, _ := repo.Insert(ctx, &model.Task{SourceLanguage: "en"})
	repo.Cancel(ctx, task.TaskID)

	if err := disp.Cancel(ctx, task.TaskID, "n1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(brk.control["n1"]) != 1 {
		t.Fatalf("expected one control message, got %d", len(brk.control["n1"]))
	}
	if brk.control["n1"][0].Action != model.ControlActionCancelTask {
		t.Errorf("action = %v, want CANCEL_TASK", brk.control["n1"][0].Action)
	}

	found, _ := repo.Find(ctx, task.TaskID)
	if found.Status != model.StatusCancelled {
		t.Errorf("status = %v, want CANCELLED (set by caller before Cancel)", found.Status)
	}
}
