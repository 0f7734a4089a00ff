// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 为执行器 HTTP 客户端、健康探针与 Redis 连接提供统一的 TLS 配置。
// 最低 TLS 1.2，仅 AEAD 密码套件。
package tlsutil
