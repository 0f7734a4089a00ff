package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndStep 作为 Next 时显式结束工作流
const EndStep = "$end"

// DefaultMaxLoops 定义未设置上限时循环点的最大重入次数
const DefaultMaxLoops = 3

// ExecutorRef 步骤引用的执行器。Optional 分支失败时并行步骤仍可完成。
type ExecutorRef struct {
	ID       string `yaml:"id" json:"id"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	Tier     string `yaml:"tier,omitempty" json:"tier,omitempty"`
}

// UnmarshalYAML 允许直接写执行器 ID 字符串
func (r *ExecutorRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.ID = node.Value
		return nil
	}
	type plain ExecutorRef
	return node.Decode((*plain)(r))
}

// UnmarshalJSON 允许直接写执行器 ID 字符串
func (r *ExecutorRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	type plain ExecutorRef
	return json.Unmarshal(data, (*plain)(r))
}

// Route 条件分支：When 匹配当前步骤结果时跳转到 Next。When 为空表示默认分支。
type Route struct {
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	Next string `yaml:"next" json:"next"`
}

// RouterFunc 在运行时根据结果计算下一步
type RouterFunc func(result *Result) string

// StepDefinition 不可变工作流定义中的一个步骤
type StepDefinition struct {
	ID              string        `yaml:"id" json:"id"`
	Description     string        `yaml:"description,omitempty" json:"description,omitempty"`
	Executors       []ExecutorRef `yaml:"executors" json:"executors"`
	OutputKind      Kind          `yaml:"output_kind,omitempty" json:"output_kind,omitempty"`
	Next            string        `yaml:"next,omitempty" json:"next,omitempty"`
	Routes          []Route       `yaml:"routes,omitempty" json:"routes,omitempty"`
	Parallel        bool          `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	HumanCheckpoint bool          `yaml:"human_checkpoint,omitempty" json:"human_checkpoint,omitempty"`
	LoopPoint       bool          `yaml:"loop_point,omitempty" json:"loop_point,omitempty"`
	EstimatedCost   float64       `yaml:"estimated_cost,omitempty" json:"estimated_cost,omitempty"`

	Router RouterFunc `yaml:"-" json:"-"`

	conditions []*Condition
}

// IsParallel 多个执行器即并行扇出
func (s *StepDefinition) IsParallel() bool {
	return s.Parallel || len(s.Executors) > 1
}

// IsConditional 是否在运行时计算下一步
func (s *StepDefinition) IsConditional() bool {
	return s.Router != nil || len(s.Routes) > 0
}

// Definition 工作流定义：有序、可分支的步骤列表
type Definition struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name,omitempty" json:"name,omitempty"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	MaxLoops    int              `yaml:"max_loops,omitempty" json:"max_loops,omitempty"`
	Requires    []string         `yaml:"requires,omitempty" json:"requires,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`

	index map[string]int
}

// Validate 检查定义并编译路由条件。定义通过校验后即视为不可变。
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.ID)
	}
	if d.MaxLoops < 0 {
		return fmt.Errorf("%w: max_loops must be >= 0", ErrInvalidDefinition)
	}

	index := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidDefinition, i)
		}
		if s.ID == EndStep {
			return fmt.Errorf("%w: step id %s is reserved", ErrInvalidDefinition, EndStep)
		}
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidDefinition, s.ID)
		}
		index[s.ID] = i
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		if len(s.Executors) == 0 {
			return fmt.Errorf("%w: step %s has no executors", ErrInvalidDefinition, s.ID)
		}
		for _, ref := range s.Executors {
			if ref.ID == "" {
				return fmt.Errorf("%w: step %s has an executor without id", ErrInvalidDefinition, s.ID)
			}
		}
		if s.EstimatedCost < 0 {
			return fmt.Errorf("%w: step %s has negative estimated cost", ErrInvalidDefinition, s.ID)
		}
		if s.OutputKind != "" && !validKind(s.OutputKind) {
			return fmt.Errorf("%w: step %s has unknown output kind %q", ErrInvalidDefinition, s.ID, s.OutputKind)
		}
		if err := checkTarget(index, s.ID, s.Next); err != nil {
			return err
		}

		s.conditions = make([]*Condition, len(s.Routes))
		for j, route := range s.Routes {
			if err := checkTarget(index, s.ID, route.Next); err != nil {
				return err
			}
			if route.Next == "" {
				return fmt.Errorf("%w: step %s route %d has no next", ErrInvalidDefinition, s.ID, j)
			}
			if strings.TrimSpace(route.When) == "" {
				continue
			}
			cond, err := CompileCondition(route.When)
			if err != nil {
				return fmt.Errorf("%w: step %s: %v", ErrInvalidDefinition, s.ID, err)
			}
			s.conditions[j] = cond
		}
	}

	d.index = index
	return nil
}

func checkTarget(index map[string]int, from, target string) error {
	if target == "" || target == EndStep {
		return nil
	}
	if _, ok := index[target]; !ok {
		return fmt.Errorf("%w: step %s points to unknown step %s", ErrInvalidDefinition, from, target)
	}
	return nil
}

func validKind(k Kind) bool {
	switch k {
	case KindText, KindDocument, KindList, KindData, KindMerged:
		return true
	}
	return false
}

// Step 按 ID 查找步骤
func (d *Definition) Step(id string) (*StepDefinition, bool) {
	i, ok := d.lookup(id)
	if !ok {
		return nil, false
	}
	return &d.Steps[i], true
}

func (d *Definition) lookup(id string) (int, bool) {
	if d.index == nil {
		for i := range d.Steps {
			if d.Steps[i].ID == id {
				return i, true
			}
		}
		return 0, false
	}
	i, ok := d.index[id]
	return i, ok
}

// First 返回入口步骤 ID
func (d *Definition) First() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].ID
}

// staticNext 不看结果的下一步：显式 Next，否则声明顺序中的后继
func (d *Definition) staticNext(stepID string) string {
	i, ok := d.lookup(stepID)
	if !ok {
		return ""
	}
	s := &d.Steps[i]
	if s.Next == EndStep {
		return ""
	}
	if s.Next != "" {
		return s.Next
	}
	if i+1 < len(d.Steps) {
		return d.Steps[i+1].ID
	}
	return ""
}

// NextStep 根据步骤结果计算下一步，空字符串表示结束。
// 顺序：Router 函数，第一个匹配的 Route，静态后继。
func (d *Definition) NextStep(stepID string, result *Result) string {
	s, ok := d.Step(stepID)
	if !ok {
		return ""
	}
	var target string
	switch {
	case s.Router != nil:
		target = s.Router(result)
	case len(s.Routes) > 0:
		vars := map[string]any{}
		if result != nil {
			vars = result.vars()
		}
		for j, route := range s.Routes {
			var cond *Condition
			if j < len(s.conditions) {
				cond = s.conditions[j]
			}
			if cond == nil || cond.Match(vars) {
				target = route.Next
				break
			}
		}
	}
	if target == EndStep {
		return ""
	}
	if target != "" {
		return target
	}
	return d.staticNext(stepID)
}

// effectiveMaxLoops 返回实例使用的循环上限
func (d *Definition) effectiveMaxLoops(fallback int) int {
	if d.MaxLoops > 0 {
		return d.MaxLoops
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxLoops
}

// ParseDefinition 解析 YAML 或 JSON 定义并校验
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile 从文件加载定义
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// =============================================================================
// Builder
// =============================================================================

// DefinitionBuilder 以链式 API 构建定义
type DefinitionBuilder struct {
	def Definition
}

// NewDefinition 创建构建器
func NewDefinition(id string) *DefinitionBuilder {
	return &DefinitionBuilder{def: Definition{ID: id, Name: id}}
}

// WithName 设置名称
func (b *DefinitionBuilder) WithName(name string) *DefinitionBuilder {
	b.def.Name = name
	return b
}

// WithDescription 设置描述
func (b *DefinitionBuilder) WithDescription(desc string) *DefinitionBuilder {
	b.def.Description = desc
	return b
}

// WithMaxLoops 设置循环上限
func (b *DefinitionBuilder) WithMaxLoops(n int) *DefinitionBuilder {
	b.def.MaxLoops = n
	return b
}

// Requires 声明开始前需要探测的外部依赖
func (b *DefinitionBuilder) Requires(services ...string) *DefinitionBuilder {
	b.def.Requires = append(b.def.Requires, services...)
	return b
}

// Step 追加一个步骤，返回步骤构建器
func (b *DefinitionBuilder) Step(id string, executorIDs ...string) *StepBuilder {
	refs := make([]ExecutorRef, len(executorIDs))
	for i, e := range executorIDs {
		refs[i] = ExecutorRef{ID: e}
	}
	b.def.Steps = append(b.def.Steps, StepDefinition{ID: id, Executors: refs})
	return &StepBuilder{parent: b, idx: len(b.def.Steps) - 1}
}

// Build 校验并返回定义
func (b *DefinitionBuilder) Build() (*Definition, error) {
	def := b.def
	def.Steps = append([]StepDefinition(nil), b.def.Steps...)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// MustBuild 校验失败时 panic，用于静态模板
func (b *DefinitionBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// StepBuilder 配置单个步骤
type StepBuilder struct {
	parent *DefinitionBuilder
	idx    int
}

func (sb *StepBuilder) step() *StepDefinition { return &sb.parent.def.Steps[sb.idx] }

// Describe 设置步骤任务描述
func (sb *StepBuilder) Describe(text string) *StepBuilder {
	sb.step().Description = text
	return sb
}

// Executor 追加执行器引用
func (sb *StepBuilder) Executor(ref ExecutorRef) *StepBuilder {
	s := sb.step()
	s.Executors = append(s.Executors, ref)
	return sb
}

// Optional 标记已添加的执行器为可选分支
func (sb *StepBuilder) Optional(executorID string) *StepBuilder {
	s := sb.step()
	for i := range s.Executors {
		if s.Executors[i].ID == executorID {
			s.Executors[i].Optional = true
		}
	}
	return sb
}

// Tier 为所有执行器设置成本档位
func (sb *StepBuilder) Tier(tier string) *StepBuilder {
	s := sb.step()
	for i := range s.Executors {
		s.Executors[i].Tier = tier
	}
	return sb
}

// Output 声明输出种类
func (sb *StepBuilder) Output(kind Kind) *StepBuilder {
	sb.step().OutputKind = kind
	return sb
}

// Next 设置静态后继
func (sb *StepBuilder) Next(id string) *StepBuilder {
	sb.step().Next = id
	return sb
}

// Route 追加条件分支
func (sb *StepBuilder) Route(when, next string) *StepBuilder {
	s := sb.step()
	s.Routes = append(s.Routes, Route{When: when, Next: next})
	return sb
}

// Router 设置运行时路由函数
func (sb *StepBuilder) Router(fn RouterFunc) *StepBuilder {
	sb.step().Router = fn
	return sb
}

// Parallel 强制并行扇出
func (sb *StepBuilder) Parallel() *StepBuilder {
	sb.step().Parallel = true
	return sb
}

// HumanCheckpoint 完成后暂停等待人工
func (sb *StepBuilder) HumanCheckpoint() *StepBuilder {
	sb.step().HumanCheckpoint = true
	return sb
}

// LoopPoint 标记可重入步骤
func (sb *StepBuilder) LoopPoint() *StepBuilder {
	sb.step().LoopPoint = true
	return sb
}

// EstimatedCost 设置准入预估成本
func (sb *StepBuilder) EstimatedCost(cost float64) *StepBuilder {
	sb.step().EstimatedCost = cost
	return sb
}

// Step 结束当前步骤并开始下一个
func (sb *StepBuilder) Step(id string, executorIDs ...string) *StepBuilder {
	return sb.parent.Step(id, executorIDs...)
}

// Done 返回定义构建器
func (sb *StepBuilder) Done() *DefinitionBuilder { return sb.parent }

// Build 等价于 Done().Build()
func (sb *StepBuilder) Build() (*Definition, error) { return sb.parent.Build() }
