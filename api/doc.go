// Package api 定义 PipeFlow HTTP API 的请求与响应结构。
//
// # API Overview
//
// PipeFlow exposes a small administrative surface over workflow instances:
//   - 创建工作流实例（异步执行）
//   - 查询实例快照、检查点与错误报告
//   - 干预运行中的实例：暂停、取消、注入导演备注
//   - 恢复 PAUSED / WAITING_HUMAN 实例
//   - 进度事件流（SSE 与 WebSocket）
//   - 健康检查与 Prometheus 指标
//
// # Base URL
//
//	http://localhost:8080/api/v1
//
// 所有 JSON 响应使用统一信封：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "WORKFLOW_NOT_FOUND", "message": "..."}, "timestamp": "..."}
package api
