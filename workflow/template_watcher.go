// 定义目录变更监听。
//
// 轮询目录下的定义文件，新增或修改的文件重新解析并注册到 Templates。
// 删除的文件只记录日志：已注册的定义保留，正在运行的实例仍可恢复。
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TemplateOp 定义文件变更类型
type TemplateOp int

const (
	// TemplateCreated 新文件
	TemplateCreated TemplateOp = iota
	// TemplateModified 文件已修改
	TemplateModified
	// TemplateRemoved 文件已删除
	TemplateRemoved
)

// String returns the string representation of TemplateOp
func (op TemplateOp) String() string {
	switch op {
	case TemplateCreated:
		return "CREATE"
	case TemplateModified:
		return "WRITE"
	case TemplateRemoved:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// TemplateEvent 一次变更的处理结果
type TemplateEvent struct {
	Path         string
	Op           TemplateOp
	DefinitionID string
	// Err 解析或注册失败的原因，旧定义保持不变
	Err error
}

// TemplateWatcher 轮询定义目录
type TemplateWatcher struct {
	dir       string
	interval  time.Duration
	templates *Templates
	logger    *zap.Logger

	mu        sync.Mutex
	modTimes  map[string]time.Time
	callbacks []func(TemplateEvent)
	running   bool
}

// NewTemplateWatcher 创建监听器。interval <= 0 时为 5s。
// 当前目录内容视为已加载，不会产生事件。
func NewTemplateWatcher(dir string, interval time.Duration, templates *Templates, logger *zap.Logger) (*TemplateWatcher, error) {
	if templates == nil {
		return nil, fmt.Errorf("template watcher: templates are required")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &TemplateWatcher{
		dir:       dir,
		interval:  interval,
		templates: templates,
		logger:    logger.With(zap.String("component", "template_watcher")),
		modTimes:  make(map[string]time.Time),
	}
	files, err := w.list()
	if err != nil {
		return nil, err
	}
	w.modTimes = files
	return w, nil
}

// OnChange 注册变更回调
func (w *TemplateWatcher) OnChange(fn func(TemplateEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run 轮询直到 ctx 取消
func (w *TemplateWatcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("template watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.Info("template watcher started",
		zap.String("dir", w.dir),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("template watcher stopped")
			return nil
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan 比较目录与上次扫描的修改时间，处理变更并返回事件
func (w *TemplateWatcher) Scan() []TemplateEvent {
	current, err := w.list()
	if err != nil {
		w.logger.Warn("scan templates dir failed", zap.Error(err))
		return nil
	}

	w.mu.Lock()
	var events []TemplateEvent
	for path, mod := range current {
		last, existed := w.modTimes[path]
		switch {
		case !existed:
			events = append(events, TemplateEvent{Path: path, Op: TemplateCreated})
		case mod.After(last):
			events = append(events, TemplateEvent{Path: path, Op: TemplateModified})
		}
	}
	for path := range w.modTimes {
		if _, ok := current[path]; !ok {
			events = append(events, TemplateEvent{Path: path, Op: TemplateRemoved})
		}
	}
	w.modTimes = current
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for i := range events {
		w.apply(&events[i])
		for _, cb := range callbacks {
			cb(events[i])
		}
	}
	return events
}

func (w *TemplateWatcher) apply(evt *TemplateEvent) {
	if evt.Op == TemplateRemoved {
		w.logger.Info("template file removed, keeping registered definition",
			zap.String("path", evt.Path))
		return
	}
	def, err := LoadDefinitionFile(evt.Path)
	if err == nil {
		err = w.templates.Register(def)
	}
	if err != nil {
		evt.Err = err
		w.logger.Warn("template reload failed",
			zap.String("path", evt.Path),
			zap.String("op", evt.Op.String()),
			zap.Error(err))
		return
	}
	evt.DefinitionID = def.ID
	w.logger.Info("template registered",
		zap.String("path", evt.Path),
		zap.String("op", evt.Op.String()),
		zap.String("definition_id", def.ID))
}

// list 返回目录中定义文件的修改时间
func (w *TemplateWatcher) list() (map[string]time.Time, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir %s: %w", w.dir, err)
	}
	files := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files[filepath.Join(w.dir, e.Name())] = info.ModTime()
	}
	return files, nil
}
