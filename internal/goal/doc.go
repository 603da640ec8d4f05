// Package goal 维护每个智能体的目标生命周期：向认知服务索取目标与动作，
// 记录成功或失败，并在连续失败后让智能体进入退避状态。
package goal
