package workflow

import "github.com/BaSui01/pipeflow/internal/tokenizer"

// shrinkContext 返回缩小后的上下文：前序输出与检索知识各截到原 token 数的一半，
// 检索知识条目只保留前一半。用于 RETRY_WITH_PARAMS 的单次重试。
func shrinkContext(sc StepContext, counter tokenizer.Counter) StepContext {
	out := sc.Clone()
	for i, p := range out.PriorOutputs {
		out.PriorOutputs[i].Content = halve(counter, p.Content)
	}
	if n := len(out.RetrievedKnowledge); n > 0 {
		keep := (n + 1) / 2
		knowledge := make([]string, keep)
		for i := 0; i < keep; i++ {
			knowledge[i] = halve(counter, out.RetrievedKnowledge[i])
		}
		out.RetrievedKnowledge = knowledge
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]any)
	}
	out.Metadata["context_shrunk"] = true
	return out
}

func halve(counter tokenizer.Counter, text string) string {
	n := counter.Count(text)
	if n <= 1 {
		return text
	}
	return counter.Truncate(text, n/2)
}
