// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供长流程、多步骤、受成本约束的工作流编排引擎。

# 概述

Runner 驱动一个工作流实例沿步骤图逐步前进：每步开始前折叠导演备注、
向成本账本申请准入，调用执行器时由熔断器隔离共享依赖并对失败做类型化分类，
每次尝试后写检查点，全程向事件总线发布进度事件。实例可在崩溃后、
人工审核后或暂停后恢复，已完成的步骤不会被再次调用。

# 核心类型

  - Definition / StepDefinition — 不可变的步骤图（顺序、条件路由、并行、人工检查点、循环点）
  - DefinitionBuilder            — 链式构建器；ParseDefinition 读取 YAML/JSON
  - Condition                    — 路由条件表达式（result.summary contains "ok" 等）
  - Instance                     — 实例快照：状态、当前步骤、历史、循环计数、预算、备注、清单
  - State                        — PENDING → RUNNING → {PAUSED, WAITING_HUMAN, COMPLETED, FAILED, CANCELLED, OVER_BUDGET}
  - Executor / Registry          — 执行器接口与启动时构建的不可变注册表
  - Result / Payload             — 带显式种类标签的结果（text/document/list/data/merged）
  - StepContext                  — 执行器输入：任务描述、检索知识、前序输出、约束、元数据
  - NoteProcessor                — 备注筛选、折叠与标记
  - Classify                     — 错误 → StepErrorReport 的纯函数映射

# 失败处理

TRANSIENT 按退避策略有限重试；RECOVERABLE 缩小上下文后重试一次；
USER_INPUT 使实例进入 WAITING_HUMAN；SKIP_SAFE 跳过步骤继续；
FATAL 立即失败。预算不足是准入决定，实例进入 OVER_BUDGET 而非 FAILED。

# 并行步骤

多个执行器的步骤并发扇出并按声明顺序汇合为 MergedPayload。
ExecutorRef.Optional 标记的分支失败时，对应位置为空，错误报告仍会保存。
*/
package workflow
