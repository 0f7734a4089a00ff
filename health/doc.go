// Package health 提供工作流启动前的依赖健康预检。
package health
