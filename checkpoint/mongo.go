package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/pipeflow/types"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Collection names
const (
	colStepCheckpoints = "step_checkpoints"
	colCostEntries     = "cost_entries"
	colErrorReports    = "step_error_reports"
	colInstances       = "workflow_instances"
)

type mongoStep struct {
	WorkflowID       string     `bson:"workflow_id"`
	StepID           string     `bson:"step_id"`
	Index            int        `bson:"index"`
	ExecutorID       string     `bson:"executor_id"`
	Status           string     `bson:"status"`
	Result           string     `bson:"result,omitempty"`
	IdempotencyToken string     `bson:"idempotency_token,omitempty"`
	Attempt          int        `bson:"attempt"`
	Cost             float64    `bson:"cost"`
	Error            string     `bson:"error,omitempty"`
	StartedAt        time.Time  `bson:"started_at"`
	CompletedAt      *time.Time `bson:"completed_at,omitempty"`
}

type mongoInstance struct {
	ID           string    `bson:"_id"`
	DefinitionID string    `bson:"definition_id"`
	State        string    `bson:"state"`
	Snapshot     string    `bson:"snapshot"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// MongoStore 基于 MongoDB 的实现。数据库生命周期由调用方管理。
type MongoStore struct {
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoStore 创建 MongoDB 存储
func NewMongoStore(db *mongo.Database, logger *zap.Logger) (*MongoStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil mongo database", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		db:     db,
		logger: logger.With(zap.String("component", "checkpoint_store"), zap.String("backend", "mongo")),
	}, nil
}

// Migrate 创建索引
func (s *MongoStore) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colStepCheckpoints: {
			{
				Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "step_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colCostEntries:  {{Keys: bson.D{{Key: "workflow_id", Value: 1}}}},
		colErrorReports: {{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "created_at", Value: 1}}}},
		colInstances:    {{Keys: bson.D{{Key: "created_at", Value: 1}}}},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *MongoStore) SaveStep(ctx context.Context, cp *StepCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	doc := mongoStep{
		WorkflowID:       cp.WorkflowID,
		StepID:           cp.StepID,
		Index:            cp.Index,
		ExecutorID:       cp.ExecutorID,
		Status:           string(cp.Status),
		Result:           string(cp.Result),
		IdempotencyToken: cp.IdempotencyToken,
		Attempt:          cp.Attempt,
		Cost:             cp.Cost,
		Error:            cp.Error,
		StartedAt:        cp.StartedAt,
		CompletedAt:      cp.CompletedAt,
	}
	filter := bson.M{"workflow_id": cp.WorkflowID, "step_id": cp.StepID}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(colStepCheckpoints).ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("save step checkpoint %s/%s: %w", cp.WorkflowID, cp.StepID, err)
	}
	return nil
}

func (s *MongoStore) ListSteps(ctx context.Context, workflowID string) ([]*StepCheckpoint, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "index", Value: 1}, {Key: "step_id", Value: 1}})
	cursor, err := s.db.Collection(colStepCheckpoints).Find(ctx, bson.M{"workflow_id": workflowID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoStep
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}

	out := make([]*StepCheckpoint, 0, len(docs))
	for _, d := range docs {
		cp := &StepCheckpoint{
			WorkflowID:       d.WorkflowID,
			StepID:           d.StepID,
			Index:            d.Index,
			ExecutorID:       d.ExecutorID,
			Status:           StepStatus(d.Status),
			IdempotencyToken: d.IdempotencyToken,
			Attempt:          d.Attempt,
			Cost:             d.Cost,
			Error:            d.Error,
			StartedAt:        d.StartedAt,
			CompletedAt:      d.CompletedAt,
		}
		if d.Result != "" {
			cp.Result = json.RawMessage(d.Result)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MongoStore) LoadCompletedSteps(ctx context.Context, workflowID string) (map[string]json.RawMessage, error) {
	steps, err := s.ListSteps(ctx, workflowID)
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

// CommitStep 先以确定性 _id upsert 成本记录，再写检查点。
// 单机部署没有多文档事务；中途失败后重新执行同一步骤会覆盖而不是重复计入成本，
// 检查点最后写入，作为提交标记。
func (s *MongoStore) CommitStep(ctx context.Context, cp *StepCheckpoint, costs []types.CostEntry) error {
	if err := validateCommit(cp, costs); err != nil {
		return err
	}
	if len(costs) > 0 {
		key := cp.IdempotencyToken
		if key == "" {
			key = cp.WorkflowID + ":" + cp.StepID
		}
		models := make([]mongo.WriteModel, len(costs))
		for i, e := range costs {
			doc := costDoc(e)
			doc["_id"] = fmt.Sprintf("%s:%d", key, i)
			models[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": doc["_id"]}).
				SetReplacement(doc).
				SetUpsert(true)
		}
		if _, err := s.db.Collection(colCostEntries).BulkWrite(ctx, models); err != nil {
			return fmt.Errorf("commit cost entries %s/%s: %w", cp.WorkflowID, cp.StepID, err)
		}
	}
	return s.SaveStep(ctx, cp)
}

func costDoc(entry types.CostEntry) bson.M {
	return bson.M{
		"workflow_id":   entry.WorkflowID,
		"step_id":       entry.StepID,
		"executor_id":   entry.ExecutorID,
		"tier":          entry.Tier,
		"input_tokens":  entry.InputTokens,
		"output_tokens": entry.OutputTokens,
		"cost":          entry.Cost,
		"created_at":    entry.CreatedAt,
	}
}

func (s *MongoStore) AppendCost(ctx context.Context, entry types.CostEntry) error {
	if entry.WorkflowID == "" {
		return fmt.Errorf("%w: cost entry without workflow id", ErrInvalidInput)
	}
	if _, err := s.db.Collection(colCostEntries).InsertOne(ctx, costDoc(entry)); err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

func (s *MongoStore) GetCostTotal(ctx context.Context, workflowID string) (float64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"workflow_id": workflowID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$cost"}}}},
	}
	cursor, err := s.db.Collection(colCostEntries).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("sum cost entries: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total float64 `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("decode cost total: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

func (s *MongoStore) SaveErrorReport(ctx context.Context, workflowID string, report types.StepErrorReport) error {
	if workflowID == "" {
		return fmt.Errorf("%w: error report without workflow id", ErrInvalidInput)
	}
	doc := bson.M{
		"workflow_id":      workflowID,
		"step_id":          report.StepID,
		"executor_id":      report.ExecutorID,
		"error_type":       string(report.ErrorType),
		"code":             string(report.Code),
		"message":          report.Message,
		"technical_detail": report.TechnicalDetail,
		"retry_count":      report.RetryCount,
		"suggested_action": string(report.SuggestedAction),
		"created_at":       report.CreatedAt,
	}
	if _, err := s.db.Collection(colErrorReports).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("save error report: %w", err)
	}
	return nil
}

func (s *MongoStore) ListErrorReports(ctx context.Context, workflowID string) ([]types.StepErrorReport, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colErrorReports).Find(ctx, bson.M{"workflow_id": workflowID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list error reports: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		StepID          string    `bson:"step_id"`
		ExecutorID      string    `bson:"executor_id"`
		ErrorType       string    `bson:"error_type"`
		Code            string    `bson:"code"`
		Message         string    `bson:"message"`
		TechnicalDetail string    `bson:"technical_detail"`
		RetryCount      int       `bson:"retry_count"`
		SuggestedAction string    `bson:"suggested_action"`
		CreatedAt       time.Time `bson:"created_at"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode error reports: %w", err)
	}

	out := make([]types.StepErrorReport, 0, len(docs))
	for _, d := range docs {
		out = append(out, types.StepErrorReport{
			StepID:          d.StepID,
			ExecutorID:      d.ExecutorID,
			ErrorType:       types.ErrorType(d.ErrorType),
			Code:            types.ErrorCode(d.Code),
			Message:         d.Message,
			TechnicalDetail: d.TechnicalDetail,
			RetryCount:      d.RetryCount,
			SuggestedAction: types.SuggestedAction(d.SuggestedAction),
			CreatedAt:       d.CreatedAt,
		})
	}
	return out, nil
}

func (s *MongoStore) SaveInstance(ctx context.Context, record *InstanceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	created := record.CreatedAt
	if created.IsZero() {
		created = now
	}
	update := bson.M{
		"$set": bson.M{
			"definition_id": record.DefinitionID,
			"state":         record.State,
			"snapshot":      string(record.Snapshot),
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{
			"created_at": created,
		},
	}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := s.db.Collection(colInstances).UpdateOne(ctx, bson.M{"_id": record.ID}, update, opts); err != nil {
		return fmt.Errorf("save instance %s: %w", record.ID, err)
	}
	return nil
}

func (s *MongoStore) LoadInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	var doc mongoInstance
	err := s.db.Collection(colInstances).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return fromMongoInstance(doc), nil
}

func (s *MongoStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colInstances).Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoInstance
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	out := make([]*InstanceRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromMongoInstance(d))
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close 客户端由调用方管理，这里不关闭
func (s *MongoStore) Close() error {
	return nil
}

func fromMongoInstance(d mongoInstance) *InstanceRecord {
	return &InstanceRecord{
		ID:           d.ID,
		DefinitionID: d.DefinitionID,
		State:        d.State,
		Snapshot:     json.RawMessage(d.Snapshot),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
