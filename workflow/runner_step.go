package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/circuitbreaker"
	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/health"
	"github.com/BaSui01/pipeflow/idempotency"
	"github.com/BaSui01/pipeflow/retry"
	"github.com/BaSui01/pipeflow/types"
)

// overdraftTolerance 剩余预算低于 -tolerance 才视为超支
const overdraftTolerance = 1e-9

// stepRun 一个步骤的执行状态
type stepRun struct {
	def       *StepDefinition
	token     string
	index     int
	iteration int
	startedAt time.Time
	began     time.Time

	result   *Result
	branches []branchUsage
	attempts int
	report   *types.StepErrorReport
}

// branchUsage 一个执行器分支的用量，对应一条成本记录
type branchUsage struct {
	executorID string
	tier       string
	tokens     TokenUsage
	cost       float64
}

func (s *stepRun) executorIDs() string {
	ids := make([]string, len(s.def.Executors))
	for i, ref := range s.def.Executors {
		ids[i] = ref.ID
	}
	return strings.Join(ids, ",")
}

// drive 执行实例直到停止点。调用方已通过 acquire 登记实例。
func (r *Runner) drive(ctx context.Context, inst *Instance, def *Definition, resumed bool) (*Outcome, error) {
	began := time.Now()
	ctx = types.WithWorkflowID(ctx, inst.ID)
	ctx, span := r.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", inst.ID),
		attribute.String("workflow.definition", def.ID),
		attribute.Bool("workflow.resumed", resumed),
	))
	defer span.End()

	log := r.logger.With(zap.String("workflow_id", inst.ID), zap.String("definition", def.ID))
	out := &Outcome{Results: make(map[string]*Result)}

	err := r.start(ctx, inst, def, out, log)
	if err == nil {
		err = r.loop(ctx, inst, def, out, resumed, log)
	}

	out.Instance = inst.Clone()
	r.metrics.RecordRun(def.ID, string(inst.State), time.Since(began))
	span.SetAttributes(attribute.String("workflow.state", string(inst.State)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// start 从检查点重建结果与剩余预算，执行预检并进入 RUNNING
func (r *Runner) start(ctx context.Context, inst *Instance, def *Definition, out *Outcome, log *zap.Logger) error {
	completed, err := r.store.LoadCompletedSteps(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("load completed steps: %w", err)
	}
	for stepID, raw := range completed {
		res, err := DecodeResult(raw)
		if err != nil {
			return fmt.Errorf("step %s: %w", stepID, err)
		}
		out.Results[stepID] = res
	}

	spent, err := r.store.GetCostTotal(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("load cost total: %w", err)
	}
	if remaining := inst.BudgetTotal - spent; remaining < inst.BudgetRemaining {
		inst.BudgetRemaining = remaining
	}

	from := inst.State
	if from == StatePending {
		out.Issues = r.preflight(ctx, def, log)
	}
	if from != StateRunning {
		if err := inst.transition(StateRunning); err != nil {
			return err
		}
		r.metrics.RecordTransition(string(from), string(StateRunning))
	}
	inst.Error = ""
	if err := r.save(ctx, inst); err != nil {
		return err
	}

	if from == StatePending {
		r.publish(eventbus.New(eventbus.EventStarted, inst.ID, inst.CurrentStep, map[string]any{
			"definition_id": def.ID,
			"query":         inst.Query,
			"budget":        inst.BudgetTotal,
			"issues":        out.Issues,
		}))
		log.Info("workflow started", zap.Float64("budget", inst.BudgetTotal), zap.Int("health_issues", len(out.Issues)))
	} else {
		r.publish(eventbus.New(eventbus.EventResumed, inst.ID, inst.CurrentStep, map[string]any{
			"from":             string(from),
			"completed_steps":  len(out.Results),
			"budget_remaining": inst.BudgetRemaining,
		}))
		log.Info("workflow resumed",
			zap.String("from", string(from)),
			zap.String("current_step", inst.CurrentStep),
			zap.Int("completed_steps", len(out.Results)))
	}
	return nil
}

// preflight 首步之前探测定义声明的依赖，只做提示
func (r *Runner) preflight(ctx context.Context, def *Definition, log *zap.Logger) []health.Issue {
	if r.prober == nil || len(def.Requires) == 0 {
		return nil
	}
	issues := r.prober.CheckAll(ctx, def.Requires)
	for _, is := range issues {
		log.Warn("dependency health issue",
			zap.String("service", is.Service),
			zap.String("severity", string(is.Severity)),
			zap.String("message", is.Message))
	}
	return issues
}

func (r *Runner) loop(ctx context.Context, inst *Instance, def *Definition, out *Outcome, resumed bool, log *zap.Logger) error {
	first := resumed
	for inst.CurrentStep != "" {
		requested, injected := r.takeRequests(inst.ID)
		inst.Notes = append(inst.Notes, injected...)

		switch requested {
		case StateCancelled:
			return r.finish(ctx, inst, StateCancelled, eventbus.EventCancelled, nil, log)
		case StatePaused:
			return r.finish(ctx, inst, StatePaused, eventbus.EventPaused, nil, log)
		}

		if err := ctx.Err(); err != nil {
			// 进程关闭：实例保持 RUNNING，已注入的备注仍需落盘
			if len(injected) > 0 {
				_ = r.save(context.WithoutCancel(ctx), inst)
			}
			return err
		}

		stop, err := r.runStep(ctx, inst, def, out, first, log)
		first = false
		if err != nil || stop {
			return err
		}
	}
	return r.finish(ctx, inst, StateCompleted, eventbus.EventCompleted, map[string]any{
		"steps": len(out.Results),
	}, log)
}

// finish 迁移到停止状态、保存并发布事件
func (r *Runner) finish(ctx context.Context, inst *Instance, to State, evt eventbus.EventType, payload map[string]any, log *zap.Logger) error {
	from := inst.State
	if err := inst.transition(to); err != nil {
		return err
	}
	r.metrics.RecordTransition(string(from), string(to))
	if err := r.save(ctx, inst); err != nil {
		return err
	}

	if payload == nil {
		payload = make(map[string]any)
	}
	payload["state"] = string(to)
	payload["budget_remaining"] = inst.BudgetRemaining
	if inst.Error != "" {
		payload["error"] = inst.Error
	}
	r.publish(eventbus.New(evt, inst.ID, inst.CurrentStep, payload))

	if to.IsTerminal() {
		r.ledger.Forget(inst.ID)
	}
	log.Info("workflow stopped",
		zap.String("state", string(to)),
		zap.String("current_step", inst.CurrentStep),
		zap.Float64("budget_remaining", inst.BudgetRemaining))
	return nil
}

// runStep 执行当前步骤，返回是否停止
func (r *Runner) runStep(ctx context.Context, inst *Instance, def *Definition, out *Outcome, first bool, log *zap.Logger) (bool, error) {
	step, ok := def.Step(inst.CurrentStep)
	if !ok {
		inst.Error = fmt.Sprintf("step %s is not defined in %s", inst.CurrentStep, def.ID)
		return true, r.finish(ctx, inst, StateFailed, eventbus.EventFailed, nil, log)
	}
	log = log.With(zap.String("step_id", step.ID))

	// 重入：循环点计数受 MaxLoops 限制，达到上限后走声明的后继
	iteration := 0
	if inst.Completed(step.ID) {
		count := inst.LoopCounters[step.ID]
		if step.LoopPoint && count >= inst.MaxLoops {
			next := def.staticNext(step.ID)
			log.Info("loop limit reached", zap.Int("loops", count), zap.String("next_step", next))
			inst.CurrentStep = next
			inst.UpdatedAt = r.now()
			return false, r.save(ctx, inst)
		}
		if !step.LoopPoint && count >= (inst.MaxLoops+1)*len(def.Steps) {
			inst.Error = fmt.Sprintf("step %s re-entered %d times without a loop point", step.ID, count)
			return true, r.finish(ctx, inst, StateFailed, eventbus.EventFailed, nil, log)
		}
		iteration = count + 1
	}

	run := &stepRun{
		def:       step,
		token:     idempotency.StepToken(inst.ID, step.ID, iteration),
		index:     len(inst.History),
		iteration: iteration,
	}

	if first {
		if res, ok := r.reusable(ctx, inst.ID, step.ID, run.token); ok {
			// 检查点已提交但实例快照未保存：不再调用执行器
			log.Info("reusing committed checkpoint")
			run.result = res
			return r.complete(ctx, inst, def, run, out, log)
		}
	}

	if err := r.ledger.Admit(inst.BudgetRemaining, step.EstimatedCost); err != nil {
		log.Info("step rejected at admission",
			zap.Float64("estimated_cost", step.EstimatedCost),
			zap.Float64("budget_remaining", inst.BudgetRemaining))
		return true, r.finish(ctx, inst, StateOverBudget, eventbus.EventOverBudget, map[string]any{
			"step_id":        step.ID,
			"estimated_cost": step.EstimatedCost,
			"reason":         err.Error(),
		}, log)
	}

	sc := r.baseContext(inst, def, step, out, iteration)
	if idx := r.notes.PendingNotes(inst, step.ID); len(idx) > 0 {
		sc = r.notes.ApplyToContext(collectNotes(inst, idx), sc)
		r.notes.MarkProcessed(inst, idx, r.now())
		log.Info("director notes applied", zap.Int("notes", len(idx)))
	}
	inst.UpdatedAt = r.now()
	if err := r.save(ctx, inst); err != nil {
		return true, err
	}

	if prev, err := r.tracker.Begin(ctx, run.token); err != nil {
		log.Warn("idempotency tracker unavailable", zap.Error(err))
	} else if prev != idempotency.StatusUnknown {
		log.Warn("duplicate step attempt", zap.String("token", run.token), zap.String("previous", string(prev)))
	}

	run.began = time.Now()
	run.startedAt = r.now()
	if err := r.store.SaveStep(ctx, &checkpoint.StepCheckpoint{
		WorkflowID:       inst.ID,
		StepID:           step.ID,
		Index:            run.index,
		ExecutorID:       run.executorIDs(),
		Status:           checkpoint.StepRunning,
		IdempotencyToken: run.token,
		StartedAt:        run.startedAt,
	}); err != nil {
		return true, fmt.Errorf("save running checkpoint: %w", err)
	}
	r.publish(eventbus.New(eventbus.EventStepStarted, inst.ID, step.ID, map[string]any{
		"executors":        run.executorIDs(),
		"iteration":        iteration,
		"budget_remaining": inst.BudgetRemaining,
	}).WithAgent(run.executorIDs()))
	log.Debug("step started", zap.Int("iteration", iteration))

	if err := r.execute(ctx, inst, run, sc, log); err != nil {
		return true, err
	}
	if run.result != nil {
		return r.complete(ctx, inst, def, run, out, log)
	}
	return r.fail(ctx, inst, def, run, out, log)
}

// reusable 查找与令牌匹配的 completed 检查点
func (r *Runner) reusable(ctx context.Context, workflowID, stepID, token string) (*Result, bool) {
	steps, err := r.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, false
	}
	for _, cp := range steps {
		if cp.StepID != stepID || cp.Status != checkpoint.StepCompleted || cp.IdempotencyToken != token {
			continue
		}
		res, err := DecodeResult(cp.Result)
		if err != nil {
			return nil, false
		}
		return res, true
	}
	return nil, false
}

// baseContext 构建折叠备注之前的步骤上下文
func (r *Runner) baseContext(inst *Instance, def *Definition, step *StepDefinition, out *Outcome, iteration int) StepContext {
	sc := StepContext{
		WorkflowID:         inst.ID,
		StepID:             step.ID,
		TaskDescription:    inst.Query,
		RetrievedKnowledge: knowledgeFrom(inst.Manifest),
		Constraints:        Constraints{BudgetRemaining: inst.BudgetRemaining},
		Metadata: map[string]any{
			"definition_id": def.ID,
			"iteration":     iteration,
		},
	}
	if step.Description != "" {
		sc.Metadata["step_description"] = step.Description
	}
	if step.OutputKind != "" {
		sc.Metadata["output_kind"] = string(step.OutputKind)
	}

	seen := make(map[string]bool, len(inst.History))
	for _, id := range inst.History {
		if seen[id] {
			continue
		}
		seen[id] = true
		if res := out.Results[id]; res != nil && res.Payload != nil {
			sc.PriorOutputs = append(sc.PriorOutputs, PriorOutput{
				StepID:  id,
				Label:   id,
				Content: res.Payload.Render(),
			})
		}
	}
	return sc
}

func knowledgeFrom(manifest map[string]any) []string {
	switch v := manifest["knowledge"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mergeManifest(inst *Instance, res *Result) {
	if len(res.Manifest) == 0 {
		return
	}
	if inst.Manifest == nil {
		inst.Manifest = make(map[string]any)
	}
	for k, v := range res.Manifest {
		if k == "knowledge" {
			merged := knowledgeFrom(inst.Manifest)
			merged = append(merged, knowledgeFrom(map[string]any{"knowledge": v})...)
			inst.Manifest[k] = merged
			continue
		}
		inst.Manifest[k] = v
	}
}

// execute 调用执行器并按分类结果重试。成功时填充 run.result，
// 放弃时填充 run.report；只有父 context 结束时返回错误。
func (r *Runner) execute(ctx context.Context, inst *Instance, run *stepRun, sc StepContext, log *zap.Logger) error {
	shrunk := false
	for attempt := 1; ; attempt++ {
		run.attempts = attempt
		res, branches, executorID, err := r.attempt(ctx, inst, run, sc, attempt, log)
		if err == nil {
			run.result = res
			run.branches = branches
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		report := classifyAt(run.def.ID, executorID, err, attempt, r.now())
		r.saveReport(ctx, inst.ID, report, log)
		run.report = &report

		switch report.SuggestedAction {
		case types.ActionRetry:
			if attempt <= r.config.Retry.MaxRetries {
				delay := r.config.Retry.Delay(attempt)
				log.Warn("transient step failure, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.String("code", string(report.Code)),
					zap.Error(err))
				if err := retry.Wait(ctx, delay); err != nil {
					return err
				}
				continue
			}
		case types.ActionRetryWithParams:
			if !shrunk {
				shrunk = true
				sc = shrinkContext(sc, r.counter)
				log.Warn("recoverable step failure, retrying with reduced context",
					zap.Int("attempt", attempt),
					zap.String("code", string(report.Code)),
					zap.Error(err))
				continue
			}
		}
		return nil
	}
}

// attempt 执行一次步骤调用。并行步骤扇出到所有执行器并按声明顺序汇合；
// 必需分支失败时整个尝试失败，可选分支失败只记录报告。
func (r *Runner) attempt(ctx context.Context, inst *Instance, run *stepRun, sc StepContext, attempt int, log *zap.Logger) (*Result, []branchUsage, string, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.step.attempt", trace.WithAttributes(
		attribute.String("workflow.id", inst.ID),
		attribute.String("workflow.step", run.def.ID),
		attribute.Int("workflow.attempt", attempt),
	))
	defer span.End()

	step := run.def
	if !step.IsParallel() {
		ref := step.Executors[0]
		res, err := r.call(ctx, inst.ID, step.ID, ref, sc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, nil, ref.ID, err
		}
		return res, []branchUsage{usageOf(ref, res)}, ref.ID, nil
	}

	n := len(step.Executors)
	results := make([]*Result, n)
	errs := make([]error, n)
	var g errgroup.Group
	for i, ref := range step.Executors {
		g.Go(func() error {
			results[i], errs[i] = r.call(ctx, inst.ID, step.ID, ref, sc)
			return nil
		})
	}
	_ = g.Wait()

	for i, ref := range step.Executors {
		if errs[i] != nil && !ref.Optional {
			span.RecordError(errs[i])
			span.SetStatus(codes.Error, errs[i].Error())
			return nil, nil, ref.ID, errs[i]
		}
	}

	merged := MergedPayload{Parts: make([]MergedPart, n)}
	total := &Result{}
	var branches []branchUsage
	succeeded := 0
	for i, ref := range step.Executors {
		merged.Parts[i].ExecutorID = ref.ID
		if errs[i] != nil {
			report := classifyAt(step.ID, ref.ID, errs[i], attempt, r.now())
			r.saveReport(ctx, inst.ID, report, log)
			merged.Parts[i].Error = report.Message
			log.Warn("optional branch failed", zap.String("executor_id", ref.ID), zap.Error(errs[i]))
			continue
		}
		res := results[i]
		merged.Parts[i].Payload = res.Payload
		total.Tokens.Input += res.Tokens.Input
		total.Tokens.Output += res.Tokens.Output
		total.Cost += res.Cost
		for k, v := range res.Manifest {
			if total.Manifest == nil {
				total.Manifest = make(map[string]any)
			}
			total.Manifest[k] = v
		}
		branches = append(branches, usageOf(ref, res))
		succeeded++
	}
	total.Payload = merged
	total.Summary = fmt.Sprintf("%d of %d branches succeeded", succeeded, n)
	return total, branches, "", nil
}

// call 调用单个执行器：熔断器准入、单次超时、panic 恢复，并把结果反馈给熔断器
func (r *Runner) call(ctx context.Context, workflowID, stepID string, ref ExecutorRef, sc StepContext) (res *Result, err error) {
	exec, ok := r.registry.Get(ref.ID)
	if !ok {
		return nil, types.NewError(types.ErrInternalError, fmt.Sprintf("executor %s is not registered", ref.ID))
	}

	invoke := func(ctx context.Context) error {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.config.StepTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.config.StepTimeout)
		}
		defer cancel()
		callCtx = types.WithStepID(callCtx, stepID)

		sc.emit = func(chunk string) {
			r.publish(eventbus.New(eventbus.EventTokenStream, workflowID, stepID, map[string]any{
				"chunk": chunk,
			}).WithAgent(ref.ID))
		}

		res, err = safeExecute(callCtx, exec, sc)
		if err == nil && (res == nil || res.Payload == nil) {
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("executor %s returned no payload", ref.ID))
		}
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = types.NewTimeoutError(fmt.Sprintf("executor %s exceeded step timeout %s", ref.ID, r.config.StepTimeout)).
				WithCause(err)
		}

		outcome := "success"
		if err != nil {
			outcome = string(Classify(stepID, ref.ID, err, 0).ErrorType)
		}
		r.metrics.RecordAttempt(ref.ID, outcome)
		return err
	}

	dep := dependencyOf(exec)
	if dep == "" {
		err = invoke(ctx)
	} else {
		admitted := false
		err = r.breakers.Get(dep).Call(ctx, isTransient, func(ctx context.Context) error {
			admitted = true
			return invoke(ctx)
		})
		if !admitted {
			r.metrics.RecordAttempt(ref.ID, "circuit_open")
			return nil, types.NewError(types.ErrServiceUnavailable,
				fmt.Sprintf("dependency %s is unavailable (circuit open)", dep)).
				WithCause(circuitbreaker.ErrCircuitOpen).
				WithRetryable(true)
		}
	}
	if err != nil {
		return nil, err
	}
	if res.Tier == "" {
		res.Tier = ref.Tier
	}
	return res, nil
}

// isTransient 只有 TRANSIENT 失败计入依赖熔断器
func isTransient(err error) bool {
	return Classify("", "", err, 0).ErrorType == types.ErrorTypeTransient
}

func safeExecute(ctx context.Context, exec Executor, sc StepContext) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("executor panicked: %v", p))
		}
	}()
	return exec.Execute(ctx, sc)
}

func usageOf(ref ExecutorRef, res *Result) branchUsage {
	tier := res.Tier
	if tier == "" {
		tier = ref.Tier
	}
	return branchUsage{executorID: ref.ID, tier: tier, tokens: res.Tokens, cost: res.Cost}
}

// complete 提交成功的步骤：检查点、成本、历史、事件，然后决定下一步
func (r *Runner) complete(ctx context.Context, inst *Instance, def *Definition, run *stepRun, out *Outcome, log *zap.Logger) (bool, error) {
	step := run.def
	res := run.result

	// 执行器未报告成本时按档位定价
	if len(run.branches) > 0 {
		var stepCost float64
		for i := range run.branches {
			b := &run.branches[i]
			if b.cost == 0 {
				b.cost = r.ledger.Price(b.tier, b.tokens.Total())
			}
			stepCost += b.cost
		}
		res.Cost = stepCost
	}

	// 检查点与成本记录一次提交；复用已提交检查点时二者都已落盘
	if run.attempts > 0 {
		raw, err := EncodeResult(res)
		if err != nil {
			return true, err
		}
		entries := make([]types.CostEntry, 0, len(run.branches))
		for _, b := range run.branches {
			entry, err := r.ledger.Prepare(types.CostEntry{
				WorkflowID:   inst.ID,
				StepID:       step.ID,
				ExecutorID:   b.executorID,
				Tier:         b.tier,
				InputTokens:  b.tokens.Input,
				OutputTokens: b.tokens.Output,
				Cost:         b.cost,
			})
			if err != nil {
				return true, fmt.Errorf("record cost: %w", err)
			}
			entries = append(entries, entry)
		}

		cp := checkpoint.Completed(inst.ID, step.ID, run.index, run.executorIDs(), raw, res.Cost)
		cp.IdempotencyToken = run.token
		cp.Attempt = run.attempts
		completedAt := r.now()
		cp.CompletedAt = &completedAt
		cp.StartedAt = run.startedAt
		if cp.StartedAt.IsZero() {
			cp.StartedAt = completedAt
		}
		if err := r.store.CommitStep(ctx, cp, entries); err != nil {
			return true, fmt.Errorf("commit completed step: %w", err)
		}

		r.ledger.Account(entries...)
		for _, entry := range entries {
			inst.BudgetRemaining -= entry.Cost
			r.metrics.RecordCost(entry.Tier, entry.Cost, entry.TotalTokens())
		}
	}

	if err := r.tracker.Complete(ctx, run.token); err != nil {
		log.Warn("idempotency tracker unavailable", zap.Error(err))
	}

	inst.History = append(inst.History, step.ID)
	if run.iteration > 0 {
		inst.LoopCounters[step.ID] = run.iteration
	}
	mergeManifest(inst, res)
	out.Results[step.ID] = res

	next := def.NextStep(step.ID, res)
	inst.CurrentStep = next
	inst.UpdatedAt = r.now()

	if !run.began.IsZero() {
		r.metrics.RecordStep(def.ID, step.ID, string(checkpoint.StepCompleted), time.Since(run.began))
	}
	r.publish(eventbus.New(eventbus.EventStepCompleted, inst.ID, step.ID, map[string]any{
		"kind":             string(res.Kind()),
		"summary":          res.Summary,
		"cost":             res.Cost,
		"attempts":         run.attempts,
		"budget_remaining": inst.BudgetRemaining,
		"next_step":        next,
	}).WithAgent(run.executorIDs()))
	log.Debug("step completed",
		zap.Float64("cost", res.Cost),
		zap.Int("attempts", run.attempts),
		zap.String("next_step", next))

	r.ledger.CheckAlert(inst.ID, inst.BudgetTotal, inst.BudgetRemaining)

	if inst.BudgetRemaining < -overdraftTolerance {
		return true, r.finish(ctx, inst, StateOverBudget, eventbus.EventOverBudget, map[string]any{
			"step_id": step.ID,
			"overage": -inst.BudgetRemaining,
		}, log)
	}
	if step.HumanCheckpoint {
		return true, r.finish(ctx, inst, StateWaitingHuman, eventbus.EventWaitingHuman, map[string]any{
			"reason":         "human_checkpoint",
			"completed_step": step.ID,
			"next_step":      next,
		}, log)
	}
	return false, r.save(ctx, inst)
}

// fail 记录放弃的步骤并按建议动作决定去向
func (r *Runner) fail(ctx context.Context, inst *Instance, def *Definition, run *stepRun, out *Outcome, log *zap.Logger) (bool, error) {
	step := run.def
	report := run.report
	completedAt := r.now()
	if err := r.store.SaveStep(ctx, &checkpoint.StepCheckpoint{
		WorkflowID:       inst.ID,
		StepID:           step.ID,
		Index:            run.index,
		ExecutorID:       run.executorIDs(),
		Status:           checkpoint.StepFailed,
		IdempotencyToken: run.token,
		Attempt:          run.attempts,
		Error:            fmt.Sprintf("%s: %s", report.Code, report.TechnicalDetail),
		StartedAt:        run.startedAt,
		CompletedAt:      &completedAt,
	}); err != nil {
		return true, fmt.Errorf("save failed checkpoint: %w", err)
	}

	r.metrics.RecordStep(def.ID, step.ID, string(checkpoint.StepFailed), time.Since(run.began))
	r.publish(eventbus.New(eventbus.EventStepFailed, inst.ID, step.ID, map[string]any{
		"error_type":       string(report.ErrorType),
		"code":             string(report.Code),
		"message":          report.Message,
		"suggested_action": string(report.SuggestedAction),
		"retry_count":      report.RetryCount,
	}).WithAgent(report.ExecutorID))
	out.Report = report

	switch report.SuggestedAction {
	case types.ActionSkip:
		inst.Skipped = append(inst.Skipped, step.ID)
		if run.iteration > 0 {
			inst.LoopCounters[step.ID] = run.iteration
		}
		inst.CurrentStep = def.NextStep(step.ID, nil)
		inst.UpdatedAt = r.now()
		log.Info("step skipped", zap.String("code", string(report.Code)), zap.String("next_step", inst.CurrentStep))
		return false, r.save(ctx, inst)

	case types.ActionUserProvideInput:
		inst.Error = report.Message
		log.Warn("step needs user input", zap.String("code", string(report.Code)))
		return true, r.finish(ctx, inst, StateWaitingHuman, eventbus.EventWaitingHuman, map[string]any{
			"reason":           "user_input",
			"step_id":          step.ID,
			"error_type":       string(report.ErrorType),
			"suggested_action": string(report.SuggestedAction),
			"message":          report.Message,
		}, log)

	default:
		inst.Error = report.Message
		log.Error("step failed, aborting workflow",
			zap.String("error_type", string(report.ErrorType)),
			zap.String("code", string(report.Code)),
			zap.Int("attempts", run.attempts),
			zap.String("detail", report.TechnicalDetail))
		return true, r.finish(ctx, inst, StateFailed, eventbus.EventFailed, map[string]any{
			"step_id":    step.ID,
			"error_type": string(report.ErrorType),
			"code":       string(report.Code),
		}, log)
	}
}

func (r *Runner) saveReport(ctx context.Context, workflowID string, report types.StepErrorReport, log *zap.Logger) {
	if err := r.store.SaveErrorReport(ctx, workflowID, report); err != nil {
		log.Warn("failed to persist step error report", zap.Error(err))
	}
}
