package lockservice

import "fmt"

// Namespaced lock keys used across the core.
func TaskDispatchKey(taskID string) string   { return fmt.Sprintf("task_dispatch:%s", taskID) }
func NodeDispatchKey(nodeID string) string   { return fmt.Sprintf("node_dispatch:%s", nodeID) }
func NodeSelectionKey(shard int) string      { return fmt.Sprintf("node_selection:%d", shard) }
func PendingTaskProcessKey(taskID string) string {
	return fmt.Sprintf("pending_task_process:%s", taskID)
}
func TaskRecoverKey(taskID string) string { return fmt.Sprintf("task_recover:%s", taskID) }

const RecoverStuckTasksLockKey = "recover_stuck_tasks_lock"

// SelectionShard returns the selection shard for "now" under the
// configured shard count: current time in ms mod shardCount.
func SelectionShard(nowUnixMilli int64, shardCount int) int {
	if shardCount <= 0 {
		shardCount = 1
	}
	return int(nowUnixMilli % int64(shardCount))
}
