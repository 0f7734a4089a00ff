package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind 结果负载的种类标签
type Kind string

const (
	KindText     Kind = "text"
	KindDocument Kind = "document"
	KindList     Kind = "list"
	KindData     Kind = "data"
	KindMerged   Kind = "merged"
)

// Payload 结果负载。种类固定，由 Kind 显式标注。
type Payload interface {
	Kind() Kind
	// Render 返回负载的文本形式，供后续步骤作为上下文
	Render() string
	sealed()
}

// TextPayload 纯文本
type TextPayload struct {
	Text string `json:"text"`
}

// Section 文档段落
type Section struct {
	Heading string `json:"heading,omitempty"`
	Body    string `json:"body"`
}

// DocumentPayload 带标题和段落的文档
type DocumentPayload struct {
	Title    string    `json:"title,omitempty"`
	Sections []Section `json:"sections"`
}

// ListPayload 条目列表
type ListPayload struct {
	Items []string `json:"items"`
}

// DataPayload 结构化字段
type DataPayload struct {
	Fields map[string]any `json:"fields"`
}

// MergedPart 并行步骤中一个分支的结果。可选分支失败时 Payload 为 nil。
type MergedPart struct {
	ExecutorID string  `json:"executor_id"`
	Payload    Payload `json:"-"`
	Error      string  `json:"error,omitempty"`
}

// MergedPayload 并行步骤的汇合结果，顺序与声明顺序一致
type MergedPayload struct {
	Parts []MergedPart `json:"parts"`
}

func (TextPayload) Kind() Kind     { return KindText }
func (DocumentPayload) Kind() Kind { return KindDocument }
func (ListPayload) Kind() Kind     { return KindList }
func (DataPayload) Kind() Kind     { return KindData }
func (MergedPayload) Kind() Kind   { return KindMerged }

func (TextPayload) sealed()     {}
func (DocumentPayload) sealed() {}
func (ListPayload) sealed()     {}
func (DataPayload) sealed()     {}
func (MergedPayload) sealed()   {}

func (p TextPayload) Render() string { return p.Text }

func (p DocumentPayload) Render() string {
	var sb strings.Builder
	if p.Title != "" {
		sb.WriteString("# " + p.Title + "\n\n")
	}
	for _, s := range p.Sections {
		if s.Heading != "" {
			sb.WriteString("## " + s.Heading + "\n")
		}
		sb.WriteString(s.Body + "\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func (p ListPayload) Render() string {
	lines := make([]string, len(p.Items))
	for i, item := range p.Items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

func (p DataPayload) Render() string {
	data, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Sprintf("%v", p.Fields)
	}
	return string(data)
}

func (p MergedPayload) Render() string {
	parts := make([]string, 0, len(p.Parts))
	for _, part := range p.Parts {
		if part.Payload == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", part.ExecutorID, part.Payload.Render()))
	}
	return strings.Join(parts, "\n\n")
}

// TokenUsage token 用量
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total 合计
func (t TokenUsage) Total() int { return t.Input + t.Output }

// Result 执行器返回的结果
type Result struct {
	Payload Payload    `json:"-"`
	Summary string     `json:"summary,omitempty"`
	Tokens  TokenUsage `json:"tokens"`
	Cost    float64    `json:"cost"`
	Tier    string     `json:"tier,omitempty"`
	// Manifest 合并进实例清单的附加数据，"knowledge" 键下的字符串列表会成为后续步骤的检索知识
	Manifest map[string]any `json:"manifest,omitempty"`
}

// Kind 返回负载种类，无负载时为空
func (r *Result) Kind() Kind {
	if r == nil || r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Text 便捷构造文本结果
func Text(text string) *Result {
	return &Result{Payload: TextPayload{Text: text}, Summary: summarize(text)}
}

func summarize(text string) string {
	const limit = 120
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit]) + "..."
}

// vars 条件路由表达式可见的变量
func (r *Result) vars() map[string]any {
	v := map[string]any{
		"kind":    string(r.Kind()),
		"summary": r.Summary,
		"cost":    r.Cost,
		"tokens":  r.Tokens.Total(),
	}
	switch p := r.Payload.(type) {
	case TextPayload:
		v["text"] = p.Text
	case ListPayload:
		v["count"] = len(p.Items)
	case DocumentPayload:
		v["count"] = len(p.Sections)
	case DataPayload:
		v["data"] = p.Fields
	case MergedPayload:
		v["count"] = len(p.Parts)
	}
	return map[string]any{"result": v}
}

// envelope 结果在检查点中的编码：{"kind": ..., "data": ...}
type envelope struct {
	Kind    Kind            `json:"kind"`
	Data    json.RawMessage `json:"data"`
	Summary string          `json:"summary,omitempty"`
	Tokens  TokenUsage      `json:"tokens"`
	Cost    float64         `json:"cost"`
	Tier    string          `json:"tier,omitempty"`

	Manifest map[string]any `json:"manifest,omitempty"`
}

type mergedPartWire struct {
	ExecutorID string           `json:"executor_id"`
	Payload    *payloadEnvelope `json:"payload,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type payloadEnvelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeResult 把结果编码为检查点信封
func EncodeResult(r *Result) (json.RawMessage, error) {
	if r == nil || r.Payload == nil {
		return nil, fmt.Errorf("encode result: missing payload")
	}
	pe, err := encodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Kind:    pe.Kind,
		Data:    pe.Data,
		Summary: r.Summary,
		Tokens:  r.Tokens,
		Cost:    r.Cost,
		Tier:    r.Tier,

		Manifest: r.Manifest,
	})
}

// DecodeResult 按 kind 标签解码检查点信封
func DecodeResult(raw json.RawMessage) (*Result, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode result envelope: %w", err)
	}
	payload, err := decodePayload(payloadEnvelope{Kind: env.Kind, Data: env.Data})
	if err != nil {
		return nil, err
	}
	return &Result{
		Payload: payload,
		Summary: env.Summary,
		Tokens:  env.Tokens,
		Cost:    env.Cost,
		Tier:    env.Tier,

		Manifest: env.Manifest,
	}, nil
}

func encodePayload(p Payload) (*payloadEnvelope, error) {
	var (
		data []byte
		err  error
	)
	if merged, ok := p.(MergedPayload); ok {
		parts := make([]mergedPartWire, len(merged.Parts))
		for i, part := range merged.Parts {
			parts[i] = mergedPartWire{ExecutorID: part.ExecutorID, Error: part.Error}
			if part.Payload != nil {
				if parts[i].Payload, err = encodePayload(part.Payload); err != nil {
					return nil, err
				}
			}
		}
		data, err = json.Marshal(parts)
	} else {
		data, err = json.Marshal(p)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return &payloadEnvelope{Kind: p.Kind(), Data: data}, nil
}

func decodePayload(env payloadEnvelope) (Payload, error) {
	var err error
	switch env.Kind {
	case KindText:
		var p TextPayload
		err = json.Unmarshal(env.Data, &p)
		return p, wrapDecode(env.Kind, err)
	case KindDocument:
		var p DocumentPayload
		err = json.Unmarshal(env.Data, &p)
		return p, wrapDecode(env.Kind, err)
	case KindList:
		var p ListPayload
		err = json.Unmarshal(env.Data, &p)
		return p, wrapDecode(env.Kind, err)
	case KindData:
		var p DataPayload
		err = json.Unmarshal(env.Data, &p)
		return p, wrapDecode(env.Kind, err)
	case KindMerged:
		var wire []mergedPartWire
		if err = json.Unmarshal(env.Data, &wire); err != nil {
			return nil, wrapDecode(env.Kind, err)
		}
		merged := MergedPayload{Parts: make([]MergedPart, len(wire))}
		for i, w := range wire {
			merged.Parts[i] = MergedPart{ExecutorID: w.ExecutorID, Error: w.Error}
			if w.Payload != nil {
				if merged.Parts[i].Payload, err = decodePayload(*w.Payload); err != nil {
					return nil, err
				}
			}
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", env.Kind)
	}
}

func wrapDecode(kind Kind, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}
