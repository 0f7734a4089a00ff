// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package migration 管理检查点存储的数据库 Schema，基于 golang-migrate。

# 概述

各方言（postgres / mysql / sqlite）的 SQL 迁移文件通过 embed.FS 内嵌，
建立 workflow_instances、step_checkpoints、cost_entries 与
step_error_reports 四张表，与 checkpoint 包 GORM 模型的列一致。
迁移器复用 internal/database 打开的连接，而不是自行注册驱动。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - CLI：cmd/pipeflow migrate 子命令使用的格式化输出层。
  - NewMigratorFromConfig：从 config.Config 的 database 段创建迁移器。
*/
package migration
