// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 pipeflow 进程的配置加载。
//
// 配置在启动时加载一次：默认值 → YAML 文件 → 环境变量（PIPEFLOW_ 前缀），
// 然后校验。加载后的 *Config 按值传入各组件，运行期间不可变。
package config
