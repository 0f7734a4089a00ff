package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTemplate(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestTemplateWatcher_Scan(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	tiny := filepath.Join(dir, "tiny.json")
	writeTemplate(t, tiny, `{"id":"tiny","steps":[{"id":"only","executors":["e"]}]}`, base)

	templates, err := LoadTemplates(dir)
	require.NoError(t, err)

	w, err := NewTemplateWatcher(dir, time.Second, templates, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []TemplateOp
	w.OnChange(func(evt TemplateEvent) {
		mu.Lock()
		seen = append(seen, evt.Op)
		mu.Unlock()
	})

	// 初始内容不产生事件
	assert.Empty(t, w.Scan())

	// --- 新增 ---
	research := filepath.Join(dir, "research.yaml")
	writeTemplate(t, research, researchYAML, base)
	events := w.Scan()
	require.Len(t, events, 1)
	assert.Equal(t, TemplateCreated, events[0].Op)
	assert.Equal(t, "research", events[0].DefinitionID)
	assert.NoError(t, events[0].Err)
	assert.Equal(t, []string{"research", "tiny"}, templates.IDs())

	// --- 修改 ---
	writeTemplate(t, tiny, `{"id":"tiny","steps":[{"id":"first","executors":["e"]},{"id":"second","executors":["e"]}]}`, base.Add(time.Minute))
	events = w.Scan()
	require.Len(t, events, 1)
	assert.Equal(t, TemplateModified, events[0].Op)
	def, err := templates.Get("tiny")
	require.NoError(t, err)
	assert.Equal(t, "first", def.First())

	// --- 非法修改保留旧定义 ---
	writeTemplate(t, tiny, `{"id":"tiny","steps":[]}`, base.Add(2*time.Minute))
	events = w.Scan()
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrInvalidDefinition)
	def, err = templates.Get("tiny")
	require.NoError(t, err)
	assert.Equal(t, "first", def.First())

	// --- 删除 ---
	require.NoError(t, os.Remove(research))
	events = w.Scan()
	require.Len(t, events, 1)
	assert.Equal(t, TemplateRemoved, events[0].Op)
	_, err = templates.Get("research")
	assert.NoError(t, err, "removed files keep their registered definition")

	// 忽略非定义文件
	writeTemplate(t, filepath.Join(dir, "README.md"), "docs", base)
	assert.Empty(t, w.Scan())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TemplateOp{TemplateCreated, TemplateModified, TemplateModified, TemplateRemoved}, seen)
}

func TestTemplateWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	templates, err := NewTemplates()
	require.NoError(t, err)

	w, err := NewTemplateWatcher(dir, 10*time.Millisecond, templates, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeTemplate(t, filepath.Join(dir, "tiny.yaml"), "id: tiny\nsteps:\n  - id: only\n    executors: [e]\n", time.Now())
	assert.Eventually(t, func() bool {
		_, err := templates.Get("tiny")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewTemplateWatcher_Errors(t *testing.T) {
	_, err := NewTemplateWatcher(t.TempDir(), 0, nil, nil)
	assert.Error(t, err)

	templates, _ := NewTemplates()
	_, err = NewTemplateWatcher(filepath.Join(t.TempDir(), "missing"), 0, templates, nil)
	assert.Error(t, err)

	assert.Equal(t, "UNKNOWN", TemplateOp(9).String())
}
