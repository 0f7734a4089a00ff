// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 PipeFlow 服务端程序入口。

# 概述

cmd/pipeflow 是工作流编排服务的可执行入口，提供 HTTP 管理接口、
进度事件流、数据库迁移、健康检查和版本查询等子命令。

# 核心类型

  - Server     — 组装检查点存储、运行器与 HTTP/Metrics 双端口，负责优雅关闭
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）
  - 存储后端按配置建立：database（gorm）、redis、mongo 或内存
  - 启动时恢复上次退出时仍在运行的实例
  - 优雅关闭：断开事件流 → 关闭 HTTP → 停止运行器 → 释放连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
