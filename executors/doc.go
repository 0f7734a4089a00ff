// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package executors 提供可通过配置声明的参考执行器实现。

# 执行器类型

  - HTTPExecutor：把 StepContext 以 JSON POST 到远端服务。远端可以返回
    JSON 结果信封，也可以返回 text/event-stream 流；流中的 chunk 会作为
    token_stream 事件转发。HTTP 状态码映射到封闭的错误码集合，由
    workflow 的错误分类器决定重试、跳过或转人工。
  - StaticExecutor：返回固定文本，用于演示与冒烟测试。

# 构建

FromConfig 根据 config.ExecutorConfig 构建执行器表，随后交给
workflow.NewRegistry。声明了 dependency 的执行器会被 Runner 用同名熔断器保护。
*/
package executors
