// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package eventbus 提供进程内的进度事件发布订阅总线与 SSE 编码。
package eventbus
