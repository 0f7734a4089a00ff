package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter 统计文本 token 数并按 token 预算截断文本。
// 步骤上下文收缩和执行器用量估算都依赖它。
type Counter interface {
	// Count 返回文本的 token 数
	Count(text string) int

	// Truncate 保留文本开头不超过 maxTokens 个 token 的部分
	Truncate(text string, maxTokens int) string

	// Name 返回计数器名称
	Name() string
}

// New 按编码名创建计数器。encoding 为空或 "estimator" 时返回估算器；
// 其他值返回 tiktoken 计数器，编码数据加载失败时回退到估算器。
func New(encoding string, logger *zap.Logger) Counter {
	if encoding == "" || encoding == "estimator" {
		return NewEstimator()
	}
	return NewTiktoken(encoding, logger)
}

// Estimator 基于字符数的估算器，区分 CJK 与 ASCII。
type Estimator struct{}

// NewEstimator 创建估算器
func NewEstimator() *Estimator { return &Estimator{} }

func (Estimator) Name() string { return "estimator" }

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	total, cjk := 0, 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	// CJK ~1.5 字符/token，ASCII ~4 字符/token
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func (e Estimator) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	count := e.Count(text)
	if count <= maxTokens {
		return text
	}
	runes := []rune(text)
	keep := len(runes) * maxTokens / count
	for keep > 0 && e.Count(string(runes[:keep])) > maxTokens {
		keep--
	}
	return string(runes[:keep])
}

// Tiktoken 使用 tiktoken 编码计数，编码数据首次使用时加载。
type Tiktoken struct {
	encoding string
	logger   *zap.Logger
	fallback Estimator

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktoken 创建 tiktoken 计数器
func NewTiktoken(encoding string, logger *zap.Logger) *Tiktoken {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

func (t *Tiktoken) Name() string { return fmt.Sprintf("tiktoken[%s]", t.encoding) }

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, falling back to estimator", zap.Error(t.initErr))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.init() != nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if t.init() != nil {
		return t.fallback.Truncate(text, maxTokens)
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	out := t.enc.Decode(tokens[:maxTokens])
	// 截断点可能落在多字节字符中间
	for len(out) > 0 && !utf8.ValidString(out) {
		out = out[:len(out)-1]
	}
	return out
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
