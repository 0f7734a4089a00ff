// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package budget 提供工作流级的成本账本与预算准入控制。

# 核心类型

  - Ledger — 准入检查（Admit）、成本记录（Record）、告警（CheckAlert）
  - Sink   — 成本记录的持久化接口，由 checkpoint.Store 实现
  - Alert  — 已用预算比例达到阈值时的告警

# 不变量

对任意工作流实例 budget_remaining == budget_total - sum(cost entries)。
预算耗尽是准入决策（ErrOverBudget），不是执行失败。
*/
package budget
