// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 pipeflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、checkpoint、
budget、api 等上层模块提供统一的类型契约。

# 核心类型

  - Error / ErrorCode   — 结构化错误体系，ErrorCode 是执行器可报告的封闭错误种类集合
  - ErrorType           — TRANSIENT / RECOVERABLE / USER_INPUT / SKIP_SAFE / FATAL
  - SuggestedAction     — RETRY / RETRY_WITH_PARAMS / SKIP / USER_PROVIDE_INPUT / ABORT
  - StepErrorReport     — 单次失败步骤的分类报告，用于诊断持久化

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithWorkflowID / WithStepID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / CodeFromHTTPStatus
*/
package types
