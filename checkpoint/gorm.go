package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/pipeflow/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stepCheckpointModel step_checkpoints 表
type stepCheckpointModel struct {
	WorkflowID       string `gorm:"primaryKey;size:64"`
	StepID           string `gorm:"primaryKey;size:128"`
	StepIndex        int    `gorm:"not null;default:0"`
	ExecutorID       string `gorm:"size:128"`
	Status           string `gorm:"size:16;index"`
	Result           string `gorm:"type:text"`
	IdempotencyToken string `gorm:"size:64"`
	Attempt          int
	Cost             float64
	Error            string `gorm:"type:text"`
	StartedAt        time.Time
	CompletedAt      *time.Time
}

func (stepCheckpointModel) TableName() string { return "step_checkpoints" }

// costEntryModel cost_entries 表
type costEntryModel struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID   string `gorm:"size:64;index"`
	StepID       string `gorm:"size:128"`
	ExecutorID   string `gorm:"size:128"`
	Tier         string `gorm:"size:32"`
	InputTokens  int
	OutputTokens int
	Cost         float64
	CreatedAt    time.Time
}

func (costEntryModel) TableName() string { return "cost_entries" }

// errorReportModel step_error_reports 表
type errorReportModel struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID      string `gorm:"size:64;index"`
	StepID          string `gorm:"size:128"`
	ExecutorID      string `gorm:"size:128"`
	ErrorType       string `gorm:"size:32"`
	Code            string `gorm:"size:64"`
	Message         string `gorm:"type:text"`
	TechnicalDetail string `gorm:"type:text"`
	RetryCount      int
	SuggestedAction string `gorm:"size:32"`
	CreatedAt       time.Time
}

func (errorReportModel) TableName() string { return "step_error_reports" }

// instanceModel workflow_instances 表
type instanceModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	DefinitionID string `gorm:"size:128;index"`
	State        string `gorm:"size:32;index"`
	Snapshot     string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (instanceModel) TableName() string { return "workflow_instances" }

// Models 返回 GORM 模型，供 AutoMigrate 使用
func Models() []any {
	return []any{&stepCheckpointModel{}, &costEntryModel{}, &errorReportModel{}, &instanceModel{}}
}

// TxRunner 在事务中执行 fn。连接池可借此加入死锁、序列化失败的重试。
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

// GormOption GORM 存储选项
type GormOption func(*GormStore)

// WithTxRunner 替换 CommitStep 使用的事务执行器
func WithTxRunner(tx TxRunner) GormOption {
	return func(s *GormStore) {
		if tx != nil {
			s.transact = tx
		}
	}
}

// GormStore 基于 GORM 的实现，支持 postgres / mysql / sqlite
type GormStore struct {
	db       *gorm.DB
	transact TxRunner
	logger   *zap.Logger
}

// NewGormStore 创建 GORM 存储。autoMigrate 为真时自动建表。
func NewGormStore(db *gorm.DB, autoMigrate bool, logger *zap.Logger, opts ...GormOption) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil gorm db", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if autoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("auto migrate checkpoint tables: %w", err)
		}
	}
	s := &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "checkpoint_store"), zap.String("backend", "database")),
	}
	s.transact = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return s.db.WithContext(ctx).Transaction(fn)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *GormStore) SaveStep(ctx context.Context, cp *StepCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	return upsertStep(s.db.WithContext(ctx), cp)
}

// CommitStep 在一个事务中 upsert 检查点并插入成本记录
func (s *GormStore) CommitStep(ctx context.Context, cp *StepCheckpoint, costs []types.CostEntry) error {
	if err := validateCommit(cp, costs); err != nil {
		return err
	}
	return s.transact(ctx, func(tx *gorm.DB) error {
		if err := upsertStep(tx, cp); err != nil {
			return err
		}
		if len(costs) == 0 {
			return nil
		}
		rows := make([]costEntryModel, len(costs))
		for i, e := range costs {
			rows[i] = costModel(e)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("append cost entries: %w", err)
		}
		return nil
	})
}

func upsertStep(db *gorm.DB, cp *StepCheckpoint) error {
	m := stepCheckpointModel{
		WorkflowID:       cp.WorkflowID,
		StepID:           cp.StepID,
		StepIndex:        cp.Index,
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
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "step_id"}},
		UpdateAll: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save step checkpoint %s/%s: %w", cp.WorkflowID, cp.StepID, err)
	}
	return nil
}

func (s *GormStore) LoadCompletedSteps(ctx context.Context, workflowID string) (map[string]json.RawMessage, error) {
	var rows []stepCheckpointModel
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, string(StepCompleted)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load completed steps: %w", err)
	}

	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.StepID] = json.RawMessage(r.Result)
	}
	return out, nil
}

func (s *GormStore) ListSteps(ctx context.Context, workflowID string) ([]*StepCheckpoint, error) {
	var rows []stepCheckpointModel
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("step_index ASC").Order("step_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	out := make([]*StepCheckpoint, 0, len(rows))
	for _, r := range rows {
		cp := &StepCheckpoint{
			WorkflowID:       r.WorkflowID,
			StepID:           r.StepID,
			Index:            r.StepIndex,
			ExecutorID:       r.ExecutorID,
			Status:           StepStatus(r.Status),
			IdempotencyToken: r.IdempotencyToken,
			Attempt:          r.Attempt,
			Cost:             r.Cost,
			Error:            r.Error,
			StartedAt:        r.StartedAt,
			CompletedAt:      r.CompletedAt,
		}
		if r.Result != "" {
			cp.Result = json.RawMessage(r.Result)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *GormStore) AppendCost(ctx context.Context, entry types.CostEntry) error {
	if entry.WorkflowID == "" {
		return fmt.Errorf("%w: cost entry without workflow id", ErrInvalidInput)
	}
	m := costModel(entry)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

func costModel(entry types.CostEntry) costEntryModel {
	return costEntryModel{
		WorkflowID:   entry.WorkflowID,
		StepID:       entry.StepID,
		ExecutorID:   entry.ExecutorID,
		Tier:         entry.Tier,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		Cost:         entry.Cost,
		CreatedAt:    entry.CreatedAt,
	}
}

func (s *GormStore) GetCostTotal(ctx context.Context, workflowID string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&costEntryModel{}).
		Where("workflow_id = ?", workflowID).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum cost entries: %w", err)
	}
	return total, nil
}

func (s *GormStore) SaveErrorReport(ctx context.Context, workflowID string, report types.StepErrorReport) error {
	if workflowID == "" {
		return fmt.Errorf("%w: error report without workflow id", ErrInvalidInput)
	}
	m := errorReportModel{
		WorkflowID:      workflowID,
		StepID:          report.StepID,
		ExecutorID:      report.ExecutorID,
		ErrorType:       string(report.ErrorType),
		Code:            string(report.Code),
		Message:         report.Message,
		TechnicalDetail: report.TechnicalDetail,
		RetryCount:      report.RetryCount,
		SuggestedAction: string(report.SuggestedAction),
		CreatedAt:       report.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("save error report: %w", err)
	}
	return nil
}

func (s *GormStore) ListErrorReports(ctx context.Context, workflowID string) ([]types.StepErrorReport, error) {
	var rows []errorReportModel
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list error reports: %w", err)
	}

	out := make([]types.StepErrorReport, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.StepErrorReport{
			StepID:          r.StepID,
			ExecutorID:      r.ExecutorID,
			ErrorType:       types.ErrorType(r.ErrorType),
			Code:            types.ErrorCode(r.Code),
			Message:         r.Message,
			TechnicalDetail: r.TechnicalDetail,
			RetryCount:      r.RetryCount,
			SuggestedAction: types.SuggestedAction(r.SuggestedAction),
			CreatedAt:       r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) SaveInstance(ctx context.Context, record *InstanceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	m := instanceModel{
		ID:           record.ID,
		DefinitionID: record.DefinitionID,
		State:        record.State,
		Snapshot:     string(record.Snapshot),
		CreatedAt:    record.CreatedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"definition_id", "state", "snapshot", "updated_at"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("save instance %s: %w", record.ID, err)
	}
	return nil
}

func (s *GormStore) LoadInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	var m instanceModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return fromInstanceModel(m), nil
}

func (s *GormStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	var rows []instanceModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]*InstanceRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromInstanceModel(m))
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 数据库连接由调用方管理，这里不关闭
func (s *GormStore) Close() error {
	return nil
}

func fromInstanceModel(m instanceModel) *InstanceRecord {
	return &InstanceRecord{
		ID:           m.ID,
		DefinitionID: m.DefinitionID,
		State:        m.State,
		Snapshot:     json.RawMessage(m.Snapshot),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
