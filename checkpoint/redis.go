package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/pipeflow/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis 的实现。
//
// 键布局（prefix 默认 "pipeflow:"）：
//
//	<prefix>wf:<id>:steps      hash  step_id -> StepCheckpoint JSON
//	<prefix>wf:<id>:costs      list  CostEntry JSON
//	<prefix>wf:<id>:cost_total string INCRBYFLOAT 累计
//	<prefix>wf:<id>:errors     list  StepErrorReport JSON
//	<prefix>instance:<id>      string InstanceRecord JSON
//	<prefix>instances          zset  id，score 为创建时间
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidInput)
	}
	if keyPrefix == "" {
		keyPrefix = "pipeflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "checkpoint_store"), zap.String("backend", "redis")),
	}, nil
}

func (s *RedisStore) stepsKey(workflowID string) string {
	return s.keyPrefix + "wf:" + workflowID + ":steps"
}

func (s *RedisStore) costsKey(workflowID string) string {
	return s.keyPrefix + "wf:" + workflowID + ":costs"
}

func (s *RedisStore) costTotalKey(workflowID string) string {
	return s.keyPrefix + "wf:" + workflowID + ":cost_total"
}

func (s *RedisStore) errorsKey(workflowID string) string {
	return s.keyPrefix + "wf:" + workflowID + ":errors"
}

func (s *RedisStore) instanceKey(id string) string {
	return s.keyPrefix + "instance:" + id
}

func (s *RedisStore) instancesKey() string {
	return s.keyPrefix + "instances"
}

func (s *RedisStore) SaveStep(ctx context.Context, cp *StepCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.HSet(ctx, s.stepsKey(cp.WorkflowID), cp.StepID, data).Err(); err != nil {
		return fmt.Errorf("save step checkpoint %s/%s: %w", cp.WorkflowID, cp.StepID, err)
	}
	return nil
}

func (s *RedisStore) loadSteps(ctx context.Context, workflowID string) ([]*StepCheckpoint, error) {
	raw, err := s.client.HGetAll(ctx, s.stepsKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}

	out := make([]*StepCheckpoint, 0, len(raw))
	for stepID, data := range raw {
		var cp StepCheckpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			s.logger.Warn("skipping corrupt checkpoint",
				zap.String("workflow_id", workflowID),
				zap.String("step_id", stepID),
				zap.Error(err))
			continue
		}
		out = append(out, &cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *RedisStore) LoadCompletedSteps(ctx context.Context, workflowID string) (map[string]json.RawMessage, error) {
	steps, err := s.loadSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	for _, cp := range steps {
		if cp.Status == StepCompleted {
			out[cp.StepID] = cp.Result
		}
	}
	return out, nil
}

func (s *RedisStore) ListSteps(ctx context.Context, workflowID string) ([]*StepCheckpoint, error) {
	return s.loadSteps(ctx, workflowID)
}

// CommitStep 用 MULTI/EXEC 同时写入检查点与成本
func (s *RedisStore) CommitStep(ctx context.Context, cp *StepCheckpoint, costs []types.CostEntry) error {
	if err := validateCommit(cp, costs); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	entries := make([][]byte, len(costs))
	for i, e := range costs {
		if entries[i], err = json.Marshal(e); err != nil {
			return fmt.Errorf("marshal cost entry: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.stepsKey(cp.WorkflowID), cp.StepID, data)
		for i, e := range costs {
			pipe.RPush(ctx, s.costsKey(cp.WorkflowID), entries[i])
			pipe.IncrByFloat(ctx, s.costTotalKey(cp.WorkflowID), e.Cost)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit step %s/%s: %w", cp.WorkflowID, cp.StepID, err)
	}
	return nil
}

func (s *RedisStore) AppendCost(ctx context.Context, entry types.CostEntry) error {
	if entry.WorkflowID == "" {
		return fmt.Errorf("%w: cost entry without workflow id", ErrInvalidInput)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cost entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.costsKey(entry.WorkflowID), data)
		pipe.IncrByFloat(ctx, s.costTotalKey(entry.WorkflowID), entry.Cost)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCostTotal(ctx context.Context, workflowID string) (float64, error) {
	total, err := s.client.Get(ctx, s.costTotalKey(workflowID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cost total: %w", err)
	}
	return total, nil
}

func (s *RedisStore) SaveErrorReport(ctx context.Context, workflowID string, report types.StepErrorReport) error {
	if workflowID == "" {
		return fmt.Errorf("%w: error report without workflow id", ErrInvalidInput)
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal error report: %w", err)
	}
	if err := s.client.RPush(ctx, s.errorsKey(workflowID), data).Err(); err != nil {
		return fmt.Errorf("save error report: %w", err)
	}
	return nil
}

func (s *RedisStore) ListErrorReports(ctx context.Context, workflowID string) ([]types.StepErrorReport, error) {
	raw, err := s.client.LRange(ctx, s.errorsKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list error reports: %w", err)
	}
	out := make([]types.StepErrorReport, 0, len(raw))
	for _, data := range raw {
		var r types.StepErrorReport
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode error report: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) SaveInstance(ctx context.Context, record *InstanceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	rec := *record
	now := time.Now().UTC()
	if existing, err := s.LoadInstance(ctx, record.ID); err == nil {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.instanceKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, s.instancesKey(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save instance %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) LoadInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	data, err := s.client.Get(ctx, s.instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	var rec InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	ids, err := s.client.ZRange(ctx, s.instancesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	out := make([]*InstanceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.LoadInstance(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 客户端由调用方管理，这里不关闭
func (s *RedisStore) Close() error {
	return nil
}
