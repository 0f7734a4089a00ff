// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database 打开 GORM 连接并管理连接池，供 checkpoint 的数据库后端使用。

# 方言

Open 按驱动名选择方言：postgres（gorm.io/driver/postgres）、mysql
（gorm.io/driver/mysql）、sqlite（github.com/glebarez/sqlite，纯 Go）。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、
    Close()；后台定时探活并把连接数写入 metrics.Collector。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、空闲超时与探活间隔。
  - WithTransaction / WithTransactionRetry：事务执行，后者对死锁、
    序列化失败等错误按 retry.Policy 退避重试。
*/
package database
