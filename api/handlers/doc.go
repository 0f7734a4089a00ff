// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 PipeFlow HTTP API 的请求处理器实现。

# 核心类型

  - WorkflowHandler  — 创建、查询、干预、恢复工作流实例
  - EventsHandler    — 进度事件流（SSE 与 WebSocket），支持 workflow_id 过滤
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 错误映射

HandleError 将领域错误映射为 HTTP 状态：实例或模板不存在为 404，
非法输入为 400，非法状态迁移为 409，其余执行失败为 5xx。
*/
package handlers
