package model

import "time"

// NodeStatus mirrors the status strings stored in a worker's broker hash.
type NodeStatus string

const (
	NodeOnline       NodeStatus = "ONLINE"
	NodeOffline      NodeStatus = "OFFLINE"
	NodeBusy         NodeStatus = "BUSY"
	NodeMaintenance  NodeStatus = "MAINTENANCE"
	NodeShuttingDown NodeStatus = "SHUTTING_DOWN"
)

// NormalizeNodeStatus maps the raw (case-insensitive) status string read
// from a worker's broker hash onto the canonical set, folding
// SHUTTING_DOWN into OFFLINE for eligibility purposes.
func NormalizeNodeStatus(raw string) NodeStatus {
	switch NodeStatus(upper(raw)) {
	case NodeOnline:
		return NodeOnline
	case NodeBusy:
		return NodeBusy
	case NodeMaintenance:
		return NodeMaintenance
	case NodeShuttingDown:
		return NodeOffline
	case NodeOffline:
		return NodeOffline
	default:
		return NodeOffline
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// Node is a live worker advertised in the shared registry.
type Node struct {
	NodeID          string
	Host            string
	Port            int
	MemoryTotal     int64
	MemoryUsed      int64
	CPUUsage        float64
	GPUAvailable    bool
	Status          NodeStatus
	LastHeartbeat   time.Time
	ActiveTaskCount int

	// RankScore is the worker-advertised priority read from the
	// node_rankings sorted set; lower is better. Populated by the
	// registry when it builds a candidate list.
	RankScore float64
}

// Score computes the scalar dispatch-selection score for this node:
// cpu_usage + (memory_used/memory_total)*100 + active_task_count*10.
// Lower is better. ActiveTaskCount is expected to already have been
// overwritten with the repository's authoritative PROCESSING count by
// the caller before Score is used for selection.
func (n *Node) Score() float64 {
	memRatio := 0.0
	if n.MemoryTotal > 0 {
		memRatio = float64(n.MemoryUsed) / float64(n.MemoryTotal)
	}
	return n.CPUUsage + memRatio*100 + float64(n.ActiveTaskCount)*10
}
