package noderegistry

import (
	"strconv"
	"time"

	"github.com/relaycore/dispatchcore/internal/model"
)

// parseNodeHash decodes the flat string fields of a worker_nodes:{id}
// broker hash into a model.Node. Fields a worker omitted are left at
// their zero value rather than failing the whole parse — a partially
// populated hash is still enough to judge liveness.
func parseNodeHash(nodeID string, fields map[string]string) *model.Node {
	n := &model.Node{NodeID: nodeID}

	if v, ok := fields["host"]; ok {
		n.Host = v
	}
	if v, ok := fields["port"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			n.Port = p
		}
	}
	if v, ok := fields["memory_total"]; ok {
		if m, err := strconv.ParseInt(v, 10, 64); err == nil {
			n.MemoryTotal = m
		}
	}
	if v, ok := fields["memory_used"]; ok {
		if m, err := strconv.ParseInt(v, 10, 64); err == nil {
			n.MemoryUsed = m
		}
	}
	if v, ok := fields["cpu_usage"]; ok {
		if c, err := strconv.ParseFloat(v, 64); err == nil {
			n.CPUUsage = c
		}
	}
	if v, ok := fields["gpu_available"]; ok {
		n.GPUAvailable = v == "true" || v == "1"
	}
	if v, ok := fields["status"]; ok {
		n.Status = model.NormalizeNodeStatus(v)
	} else {
		n.Status = model.NodeOffline
	}
	if v, ok := fields["last_heartbeat"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			n.LastHeartbeat = t
		}
	}
	if v, ok := fields["active_task_count"]; ok {
		if c, err := strconv.Atoi(v); err == nil {
			n.ActiveTaskCount = c
		}
	}
	return n
}
