package broker

import "fmt"

// Broker keyspace, kept centralized so the Lock Service, Node Registry,
// Dispatcher and Heartbeat Reconciler never hand-roll a key string
// independently.
const (
	KeyActiveNodes   = "active_nodes"
	KeyNodeRankings  = "node_rankings"
	KeyPendingTasks  = "pending_tasks"
	workerNodePrefix = "worker_nodes:"
	taskQueuePrefix  = "task_queue:"
	controlQueuePrefix = "control_queue:"
)

func WorkerNodeKey(nodeID string) string { return workerNodePrefix + nodeID }
func TaskQueueKey(nodeID string) string  { return taskQueuePrefix + nodeID }
func ControlQueueKey(nodeID string) string {
	return fmt.Sprintf("%s%s", controlQueuePrefix, nodeID)
}
