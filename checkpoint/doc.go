// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package checkpoint 提供步骤检查点、成本记录、错误报告与实例快照的持久化。

# 后端

  - MemoryStore — 开发与测试
  - GormStore   — postgres / mysql / sqlite（GORM）
  - RedisStore  — Redis hash / list / zset
  - MongoStore  — MongoDB 集合

所有后端对 (workflow_id, step_id) 采用 upsert 语义，重复保存同一步骤会替换
旧记录。LoadCompletedSteps 只返回 status=completed 的步骤，工作流恢复时据此
跳过已完成步骤。
*/
package checkpoint
