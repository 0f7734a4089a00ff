// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、工作流运行、成本、熔断器/事件总线与数据库五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
Collector 的记录方法对 nil 接收者安全。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：按定义与最终状态统计运行次数、状态迁移、步骤耗时、
    按执行器与错误类型统计的调用次数。
  - 成本指标：按成本档位累计美元成本与 token。
  - 熔断器状态 Gauge，事件总线订阅者数量与被丢弃订阅者数量。
  - 数据库指标：活跃/空闲连接数、查询耗时。
*/
package metrics
