// Package engine 驱动整个市场的 tick 循环：补足智能体种群，逐个推进智能体的目标与动作，
// 再扫描截止市场与待结算市场。同时对外暴露运营方与托管方使用的智能体操作。
package engine
