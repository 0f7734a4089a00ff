package workflow

import (
	"context"
	"fmt"
	"sort"
)

// Executor 把步骤上下文转换为类型化结果。失败时返回 error，
// 推荐使用 *types.Error 携带封闭集合内的错误码。
type Executor interface {
	Execute(ctx context.Context, sc StepContext) (*Result, error)
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, sc StepContext) (*Result, error)

// Execute 实现 Executor
func (f ExecutorFunc) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	return f(ctx, sc)
}

// DependencyAware 声明执行器调用的共享外部依赖，Runner 用同名熔断器保护它
type DependencyAware interface {
	Dependency() string
}

// guarded 给函数执行器附加依赖名
type guarded struct {
	Executor
	dependency string
}

func (g guarded) Dependency() string { return g.dependency }

// WithDependency 包装执行器，声明其依赖
func WithDependency(exec Executor, dependency string) Executor {
	return guarded{Executor: exec, dependency: dependency}
}

// dependencyOf 返回执行器的依赖名，未声明时为空
func dependencyOf(exec Executor) string {
	if d, ok := exec.(DependencyAware); ok {
		return d.Dependency()
	}
	return ""
}

// Registry 执行器 ID -> 实现的不可变映射，启动时构建一次
type Registry struct {
	executors map[string]Executor
}

// NewRegistry 构建注册表，拒绝空 ID 与 nil 实现
func NewRegistry(executors map[string]Executor) (*Registry, error) {
	m := make(map[string]Executor, len(executors))
	for id, exec := range executors {
		if id == "" {
			return nil, fmt.Errorf("executor id is required")
		}
		if exec == nil {
			return nil, fmt.Errorf("executor %s is nil", id)
		}
		m[id] = exec
	}
	return &Registry{executors: m}, nil
}

// Get 查找执行器
func (r *Registry) Get(id string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	exec, ok := r.executors[id]
	return exec, ok
}

// IDs 返回排序后的执行器 ID
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependencies 返回所有执行器声明的依赖名（去重、排序）
func (r *Registry) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	for _, id := range r.IDs() {
		if d := dependencyOf(r.executors[id]); d != "" && !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	sort.Strings(deps)
	return deps
}
