// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tokenizer 提供 token 计数与截断，支持 tiktoken 编码和字符估算两种实现。
package tokenizer
