package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Templates 工作流定义目录，按定义 ID 索引
type Templates struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewTemplates 创建目录，定义必须已通过校验
func NewTemplates(defs ...*Definition) (*Templates, error) {
	t := &Templates{defs: make(map[string]*Definition)}
	for _, d := range defs {
		if err := t.Register(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// LoadTemplates 加载目录下所有 .yaml/.yml/.json 定义
func LoadTemplates(dir string) (*Templates, error) {
	t := &Templates{defs: make(map[string]*Definition)}
	if dir == "" {
		return t, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := t.Register(def); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register 注册定义（同 ID 覆盖）
func (t *Templates) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if def.index == nil {
		if err := def.Validate(); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defs[def.ID] = def
	return nil
}

// Get 查找定义
func (t *Templates) Get(id string) (*Definition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return def, nil
}

// IDs 返回排序后的定义 ID
func (t *Templates) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.defs))
	for id := range t.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
