package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/budget"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/circuitbreaker"
	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/health"
	"github.com/BaSui01/pipeflow/idempotency"
	"github.com/BaSui01/pipeflow/internal/metrics"
	"github.com/BaSui01/pipeflow/internal/tokenizer"
	"github.com/BaSui01/pipeflow/retry"
	"github.com/BaSui01/pipeflow/types"
)

const tracerName = "github.com/BaSui01/pipeflow/workflow"

// Config Runner 配置，进程启动时构建一次
type Config struct {
	// StepTimeout 单次执行器调用的超时，0 表示不限制
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`
	// MaxLoops 定义未设置时循环点的最大重入次数
	MaxLoops int `yaml:"max_loops" json:"max_loops"`
	// DefaultBudget 创建实例时未给出预算使用的值（美元）
	DefaultBudget float64 `yaml:"default_budget" json:"default_budget"`
	// Retry TRANSIENT 错误的退避策略
	Retry retry.Policy `yaml:"retry" json:"retry"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		StepTimeout:   5 * time.Minute,
		MaxLoops:      DefaultMaxLoops,
		DefaultBudget: 5.0,
		Retry:         retry.DefaultPolicy(),
	}
}

// Options Runner 依赖。Store 与 Registry 必填，其余为空时使用默认实现。
type Options struct {
	Store     checkpoint.Store
	Registry  *Registry
	Templates *Templates
	// Ledger 的 Sink 应为 Store，恢复时按 Store 中的成本重算剩余预算
	Ledger    *budget.Ledger
	Breakers  *circuitbreaker.Registry
	Bus       *eventbus.Bus
	Prober    *health.Prober
	Tracker   idempotency.Tracker
	Metrics   *metrics.Collector
	Tokenizer tokenizer.Counter
	Tracer    trace.Tracer
	Logger    *zap.Logger
	Config    Config
}

// Outcome 一次运行或恢复返回给调用方的结果
type Outcome struct {
	Instance *Instance
	// Results 已完成步骤的结果（包含恢复前完成的步骤）
	Results map[string]*Result
	// Issues 首步之前健康探测发现的问题
	Issues []health.Issue
	// Report 导致停止的最后一个错误报告
	Report *types.StepErrorReport
}

// Runner 驱动工作流实例沿步骤图前进。
// 同一实例的步骤严格串行；不同实例可以并发运行。
type Runner struct {
	store     checkpoint.Store
	registry  *Registry
	templates *Templates
	ledger    *budget.Ledger
	breakers  *circuitbreaker.Registry
	bus       *eventbus.Bus
	prober    *health.Prober
	tracker   idempotency.Tracker
	metrics   *metrics.Collector
	counter   tokenizer.Counter
	tracer    trace.Tracer
	logger    *zap.Logger
	config    Config
	notes     NoteProcessor
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// activeRun 进程内正在驱动的实例，干预请求在步骤之间生效
type activeRun struct {
	requested State
	notes     []DirectorNote
}

// NewRunner 创建 Runner
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("workflow runner: store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("workflow runner: executor registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "workflow_runner"))

	cfg := opts.Config
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultMaxLoops
	}
	cfg.Retry = cfg.Retry.Normalize()

	r := &Runner{
		store:     opts.Store,
		registry:  opts.Registry,
		templates: opts.Templates,
		ledger:    opts.Ledger,
		breakers:  opts.Breakers,
		bus:       opts.Bus,
		prober:    opts.Prober,
		tracker:   opts.Tracker,
		metrics:   opts.Metrics,
		counter:   opts.Tokenizer,
		tracer:    opts.Tracer,
		logger:    logger,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
		active:    make(map[string]*activeRun),
	}
	if r.templates == nil {
		r.templates, _ = NewTemplates()
	}
	if r.ledger == nil {
		r.ledger = budget.NewLedger(budget.DefaultConfig(), opts.Store, logger)
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	}
	if r.tracker == nil {
		r.tracker = idempotency.NewMemoryTracker(0)
	}
	if r.counter == nil {
		r.counter = tokenizer.NewEstimator()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	r.baseCtx, r.cancelBase = context.WithCancel(context.Background())

	r.breakers.SetOnStateChange(r.onBreakerChange)
	r.ledger.OnAlert(r.onCostAlert)
	return r, nil
}

// Templates 返回定义目录
func (r *Runner) Templates() *Templates { return r.templates }

// Create 按模板创建实例（PENDING）。budgetTotal 为 0 时使用默认预算。
func (r *Runner) Create(ctx context.Context, definitionID, query string, budgetTotal float64) (*Instance, error) {
	def, err := r.templates.Get(definitionID)
	if err != nil {
		return nil, err
	}
	if budgetTotal < 0 {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("budget must be >= 0, got %.2f", budgetTotal))
	}
	if budgetTotal == 0 {
		budgetTotal = r.config.DefaultBudget
	}
	if err := r.checkExecutors(def); err != nil {
		return nil, err
	}

	now := r.now()
	inst := &Instance{
		ID:              uuid.NewString(),
		DefinitionID:    def.ID,
		Query:           query,
		State:           StatePending,
		CurrentStep:     def.First(),
		History:         []string{},
		LoopCounters:    make(map[string]int),
		MaxLoops:        def.effectiveMaxLoops(r.config.MaxLoops),
		BudgetTotal:     budgetTotal,
		BudgetRemaining: budgetTotal,
		Manifest:        make(map[string]any),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.save(ctx, inst); err != nil {
		return nil, err
	}
	r.logger.Info("workflow instance created",
		zap.String("workflow_id", inst.ID),
		zap.String("definition", def.ID),
		zap.Float64("budget", budgetTotal))
	return inst.Clone(), nil
}

// Run 注册定义、创建实例并同步执行到停止点
func (r *Runner) Run(ctx context.Context, def *Definition, query string, budgetTotal float64) (*Outcome, error) {
	if err := r.templates.Register(def); err != nil {
		return nil, err
	}
	inst, err := r.Create(ctx, def.ID, query, budgetTotal)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, inst.ID)
}

// Execute 同步执行 PENDING 实例，直到完成、暂停、等待人工或失败
func (r *Runner) Execute(ctx context.Context, id string) (*Outcome, error) {
	inst, def, err := r.acquire(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return r.runActive(ctx, inst, def, false)
}

// Resume 从检查点重建上下文并继续执行。已完成的步骤不会被再次调用。
// 允许 PAUSED、WAITING_HUMAN，以及进程崩溃后遗留的 RUNNING/PENDING 实例。
func (r *Runner) Resume(ctx context.Context, id string) (*Outcome, error) {
	inst, def, err := r.acquire(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return r.runActive(ctx, inst, def, true)
}

// Start 在后台执行 PENDING 实例，校验失败时同步返回错误
func (r *Runner) Start(ctx context.Context, id string) (*Instance, error) {
	return r.launch(ctx, id, false)
}

// StartResume 在后台恢复实例
func (r *Runner) StartResume(ctx context.Context, id string) (*Instance, error) {
	return r.launch(ctx, id, true)
}

func (r *Runner) launch(ctx context.Context, id string, resume bool) (*Instance, error) {
	inst, def, err := r.acquire(ctx, id, resume)
	if err != nil {
		return nil, err
	}
	snapshot := inst.Clone()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.runActive(r.baseCtx, inst, def, resume); err != nil {
			r.logger.Error("background workflow run stopped with error",
				zap.String("workflow_id", id), zap.Error(err))
		}
	}()
	return snapshot, nil
}

// RecoverInterrupted 恢复进程退出时仍处于 RUNNING 的实例，返回被恢复的实例 ID
func (r *Runner) RecoverInterrupted(ctx context.Context) ([]string, error) {
	records, err := r.store.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	var resumed []string
	for _, rec := range records {
		if State(rec.State) != StateRunning {
			continue
		}
		if _, err := r.StartResume(ctx, rec.ID); err != nil {
			r.logger.Warn("could not recover interrupted workflow",
				zap.String("workflow_id", rec.ID), zap.Error(err))
			continue
		}
		resumed = append(resumed, rec.ID)
	}
	return resumed, nil
}

// Close 停止后台运行并等待其退出。被中断的实例保持 RUNNING，可在重启后恢复。
func (r *Runner) Close(ctx context.Context) error {
	r.cancelBase()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire 登记实例为活跃并校验可执行性。登记与干预操作共用 r.mu，二者互斥。
func (r *Runner) acquire(ctx context.Context, id string, resume bool) (*Instance, *Definition, error) {
	r.mu.Lock()
	if _, busy := r.active[id]; busy {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	r.active[id] = &activeRun{}
	r.mu.Unlock()

	inst, def, err := r.loadRunnable(ctx, id, resume)
	if err != nil {
		r.release(id)
		return nil, nil, err
	}
	return inst, def, nil
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// runActive 执行实例并在退出时注销。停止点之后才到达的备注在同一临界区内
// 并入实例并落盘，InjectNote 已确认的备注不会丢失。
func (r *Runner) runActive(ctx context.Context, inst *Instance, def *Definition, resumed bool) (*Outcome, error) {
	out, err := r.drive(ctx, inst, def, resumed)

	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.active[inst.ID]; ok && len(run.notes) > 0 {
		inst.Notes = append(inst.Notes, run.notes...)
		inst.UpdatedAt = r.now()
		if saveErr := r.save(context.WithoutCancel(ctx), inst); saveErr != nil {
			r.logger.Error("failed to persist late director notes",
				zap.String("workflow_id", inst.ID), zap.Int("notes", len(run.notes)), zap.Error(saveErr))
			if err == nil {
				err = saveErr
			}
		}
		run.notes = nil
		if out != nil {
			out.Instance = inst.Clone()
		}
	}
	delete(r.active, inst.ID)
	return out, err
}

func (r *Runner) loadRunnable(ctx context.Context, id string, resume bool) (*Instance, *Definition, error) {
	inst, err := r.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case !resume && inst.State != StatePending:
		return nil, nil, fmt.Errorf("%w: cannot execute instance in state %s", ErrInvalidTransition, inst.State)
	case resume && inst.State.IsTerminal():
		return nil, nil, fmt.Errorf("%w: cannot resume instance in state %s", ErrInvalidTransition, inst.State)
	}
	def, err := r.templates.Get(inst.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}

// Active 实例是否正由本进程驱动
func (r *Runner) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Get 返回实例快照
func (r *Runner) Get(ctx context.Context, id string) (*Instance, error) {
	return r.load(ctx, id)
}

// List 返回所有实例快照
func (r *Runner) List(ctx context.Context) ([]*Instance, error) {
	records, err := r.store.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]*Instance, 0, len(records))
	for _, rec := range records {
		inst, err := instanceFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Checkpoints 返回实例的步骤检查点与错误报告
func (r *Runner) Checkpoints(ctx context.Context, id string) ([]*checkpoint.StepCheckpoint, []types.StepErrorReport, error) {
	if _, err := r.load(ctx, id); err != nil {
		return nil, nil, err
	}
	steps, err := r.store.ListSteps(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpoints: %w", err)
	}
	reports, err := r.store.ListErrorReports(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list error reports: %w", err)
	}
	return steps, reports, nil
}

// =============================================================================
// Intervention
// =============================================================================

// Pause 请求暂停。活跃实例在当前步骤结束后暂停；未在运行的 RUNNING 实例立即暂停。
func (r *Runner) Pause(ctx context.Context, id string) (*Instance, error) {
	return r.intervene(ctx, id, StatePaused)
}

// Cancel 请求取消。不会中断正在进行的执行器调用，下一步骤不会开始。
func (r *Runner) Cancel(ctx context.Context, id string) (*Instance, error) {
	return r.intervene(ctx, id, StateCancelled)
}

func (r *Runner) intervene(ctx context.Context, id string, to State) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	run, active := r.active[id]
	if active && inst.State.IsTerminal() || !active && !CanTransition(inst.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.State, to)
	}

	action := "pause"
	if to == StateCancelled {
		action = "cancel"
	}

	if active {
		// 取消优先于暂停
		if run.requested != StateCancelled {
			run.requested = to
		}
		r.publish(eventbus.New(eventbus.EventIntervention, id, inst.CurrentStep, map[string]any{
			"action":  action,
			"applied": "requested",
		}))
		r.logger.Info("intervention requested",
			zap.String("workflow_id", id), zap.String("action", action))
		return inst, nil
	}

	from := inst.State
	if err := inst.transition(to); err != nil {
		return nil, err
	}
	if err := r.save(ctx, inst); err != nil {
		return nil, err
	}
	r.metrics.RecordTransition(string(from), string(to))
	r.publish(eventbus.New(eventbus.EventIntervention, id, inst.CurrentStep, map[string]any{
		"action":  action,
		"applied": "immediate",
		"state":   string(inst.State),
	}))
	if to == StateCancelled {
		r.publish(eventbus.New(eventbus.EventCancelled, id, inst.CurrentStep, nil))
		r.ledger.Forget(id)
	} else {
		r.publish(eventbus.New(eventbus.EventPaused, id, inst.CurrentStep, nil))
	}
	return inst, nil
}

// InjectNote 追加导演备注。活跃实例在下一步骤开始前合并；否则直接写入快照。
func (r *Runner) InjectNote(ctx context.Context, id string, note DirectorNote) (*Instance, error) {
	if note.Action == "" {
		note.Action = NoteFreeText
	}
	if !note.Action.Valid() {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("unknown note action %q", note.Action))
	}
	if note.Text == "" {
		return nil, types.NewInvalidRequestError("note text is required")
	}
	note.InjectedAt = r.now()
	note.ProcessedAt = nil

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State.IsTerminal() {
		return nil, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.State)
	}

	if run, ok := r.active[id]; ok {
		run.notes = append(run.notes, note)
	} else {
		inst.Notes = append(inst.Notes, note)
		inst.UpdatedAt = r.now()
		if err := r.save(ctx, inst); err != nil {
			return nil, err
		}
	}

	r.publish(eventbus.New(eventbus.EventNoteInjected, id, note.TargetStep, map[string]any{
		"action": string(note.Action),
		"text":   note.Text,
	}))
	return inst, nil
}

// takeRequests 取出活跃实例的待处理干预
func (r *Runner) takeRequests(id string) (State, []DirectorNote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.active[id]
	if !ok {
		return "", nil
	}
	notes := run.notes
	run.notes = nil
	return run.requested, notes
}

// =============================================================================
// Helpers
// =============================================================================

func (r *Runner) checkExecutors(def *Definition) error {
	for _, s := range def.Steps {
		for _, ref := range s.Executors {
			if _, ok := r.registry.Get(ref.ID); !ok {
				return fmt.Errorf("%w: step %s references unknown executor %s", ErrInvalidDefinition, s.ID, ref.ID)
			}
		}
	}
	return nil
}

func (r *Runner) load(ctx context.Context, id string) (*Instance, error) {
	rec, err := r.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return instanceFromRecord(rec)
}

func (r *Runner) save(ctx context.Context, inst *Instance) error {
	rec, err := inst.record()
	if err != nil {
		return err
	}
	if err := r.store.SaveInstance(ctx, rec); err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (r *Runner) publish(evt eventbus.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Broadcast(evt)
	if r.metrics != nil {
		stats := r.bus.Stats()
		r.metrics.RecordEvent(string(evt.Type), stats.Subscribers, stats.Pruned+stats.Evicted)
	}
}

func (r *Runner) onBreakerChange(change circuitbreaker.StateChange) {
	r.metrics.SetBreakerState(change.Name, int(change.To))
	severity := ""
	switch change.To {
	case circuitbreaker.StateOpen:
		severity = string(health.SeverityError)
	case circuitbreaker.StateHalfOpen:
		severity = string(health.SeverityWarning)
	}
	r.publish(eventbus.New(eventbus.EventHealthChanged, "", "", map[string]any{
		"service":  change.Name,
		"from":     change.FromName,
		"to":       change.ToName,
		"reason":   change.Reason,
		"severity": severity,
	}))
}

func (r *Runner) onCostAlert(alert budget.Alert) {
	r.publish(eventbus.New(eventbus.EventCostAlert, alert.WorkflowID, "", map[string]any{
		"threshold": alert.Threshold,
		"spent":     alert.Spent,
		"total":     alert.Total,
		"remaining": alert.Remaining,
		"message":   alert.Message,
	}))
}
