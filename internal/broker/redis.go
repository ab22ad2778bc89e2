package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/relaycore/dispatchcore/internal/model"
)

// RedisBroker implements Broker over a shared Redis instance.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) ActiveNodeIDs(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, KeyActiveNodes).Result()
	if err != nil {
		// Transient broker failure: log and fall back to an empty list
		// rather than surfacing an error to every caller.
		log.Printf("broker: failed to read active node set: %v", err)
		return nil, nil
	}
	return ids, nil
}

func (b *RedisBroker) IsActiveMember(ctx context.Context, nodeID string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, KeyActiveNodes, nodeID).Result()
	if err != nil {
		return false, fmt.Errorf("broker: check active membership %s: %w", nodeID, err)
	}
	return ok, nil
}

func (b *RedisBroker) NodeHash(ctx context.Context, nodeID string) (map[string]string, error) {
	fields, err := b.client.HGetAll(ctx, WorkerNodeKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: read node hash %s: %w", nodeID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (b *RedisBroker) RankingMemberIDs(ctx context.Context) ([]string, error) {
	ids, err := b.client.ZRange(ctx, KeyNodeRankings, 0, -1).Result()
	if err != nil {
		log.Printf("broker: failed to read node rankings: %v", err)
		return nil, nil
	}
	return ids, nil
}

func (b *RedisBroker) RankScore(ctx context.Context, nodeID string) (float64, bool, error) {
	score, err := b.client.ZScore(ctx, KeyNodeRankings, nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("broker: read rank score for %s: %w", nodeID, err)
	}
	return score, true, nil
}

func (b *RedisBroker) RemoveFromRanking(ctx context.Context, nodeID string) error {
	return b.client.ZRem(ctx, KeyNodeRankings, nodeID).Err()
}

func (b *RedisBroker) RemoveFromActiveSet(ctx context.Context, nodeID string) error {
	return b.client.SRem(ctx, KeyActiveNodes, nodeID).Err()
}

func (b *RedisBroker) RemoveNodeHash(ctx context.Context, nodeID string) error {
	return b.client.Del(ctx, WorkerNodeKey(nodeID)).Err()
}

func (b *RedisBroker) PushWorkMessage(ctx context.Context, nodeID string, msg *model.WorkMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal work message: %w", err)
	}
	return b.client.LPush(ctx, TaskQueueKey(nodeID), data).Err()
}

func (b *RedisBroker) PushControlMessage(ctx context.Context, nodeID string, msg *model.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal control message: %w", err)
	}
	return b.client.LPush(ctx, ControlQueueKey(nodeID), data).Err()
}

func (b *RedisBroker) PushPendingHead(ctx context.Context, env *model.PendingTaskEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal pending envelope: %w", err)
	}
	return b.client.LPush(ctx, KeyPendingTasks, data).Err()
}

func (b *RedisBroker) PendingQueueLength(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, KeyPendingTasks).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: pending queue length: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) PopPendingTail(ctx context.Context) (*model.PendingTaskEnvelope, error) {
	data, err := b.client.RPop(ctx, KeyPendingTasks).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: pop pending queue: %w", err)
	}
	var env model.PendingTaskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Fatal per-envelope: log and drop rather than crash the sweeper.
		log.Printf("broker: malformed pending envelope dropped: %v", err)
		return nil, nil
	}
	return &env, nil
}
