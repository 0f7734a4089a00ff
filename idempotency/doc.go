// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package idempotency 为步骤检查点生成并跟踪幂等令牌。
// 令牌是提示性的：重复的执行尝试会被记录，但不会被拒绝。
package idempotency
