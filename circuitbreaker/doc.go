// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供共享外部依赖的熔断保护。

# 状态机

	closed --(连续失败达到 FailureThreshold)--> open
	open --(ResetTimeout 到期后的第一次 AllowRequest)--> half_open
	half_open --(探测成功)--> closed
	half_open --(探测失败)--> open

half_open 状态下只放行一个探测请求，探测结果返回前的其他请求全部拒绝。
一个 Breaker 对应一个依赖，由所有工作流实例共享，因此其状态反映的是
进程级的依赖健康度。Registry 按依赖名称创建并复用 Breaker。
*/
package circuitbreaker
