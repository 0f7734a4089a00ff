package executors

import (
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/health"
	"github.com/BaSui01/pipeflow/internal/tlsutil"
	"github.com/BaSui01/pipeflow/workflow"
)

const (
	TypeHTTP   = "http"
	TypeStatic = "static"
)

// FromConfig 按配置构建执行器注册表
func FromConfig(cfgs map[string]config.ExecutorConfig, logger *zap.Logger) (*workflow.Registry, error) {
	execs := make(map[string]workflow.Executor, len(cfgs))
	for id, c := range cfgs {
		exec, err := build(id, c, logger)
		if err != nil {
			return nil, err
		}
		execs[id] = exec
	}
	return workflow.NewRegistry(execs)
}

func build(id string, c config.ExecutorConfig, logger *zap.Logger) (workflow.Executor, error) {
	switch c.Type {
	case TypeHTTP:
		return NewHTTPExecutor(id, HTTPConfig{
			Endpoint:   c.Endpoint,
			Dependency: c.Dependency,
			Tier:       c.Tier,
			Timeout:    c.Timeout,
			Headers:    c.Headers,
		}, logger)

	case TypeStatic, "":
		var exec workflow.Executor = StaticExecutor{Text: c.Text, Cost: c.Cost, Tier: c.Tier}
		if c.Dependency != "" {
			exec = workflow.WithDependency(exec, c.Dependency)
		}
		return exec, nil

	default:
		return nil, fmt.Errorf("executor %s: unknown type %q", id, c.Type)
	}
}

// HealthProbes 为声明了 health_url 的执行器创建 HTTP 探针。
// 探针以依赖名命名，未声明依赖时使用执行器 ID；同名只保留一个。
func HealthProbes(cfgs map[string]config.ExecutorConfig, client *http.Client) []health.Probe {
	if client == nil {
		client = tlsutil.NewHTTPClient(0)
	}
	ids := make([]string, 0, len(cfgs))
	for id := range cfgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]bool)
	var probes []health.Probe
	for _, id := range ids {
		c := cfgs[id]
		if c.HealthURL == "" {
			continue
		}
		name := c.Dependency
		if name == "" {
			name = id
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		probes = append(probes, health.HTTPProbe(name, c.HealthURL, client))
	}
	return probes
}
