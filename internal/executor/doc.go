// Package executor 把认知服务规划出的动作落到市场原语与账本上，
// 并负责资金、参与奖励与事件的簿记。
package executor
