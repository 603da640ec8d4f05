// Package dispute 推进已截止市场的裁决：估计结果、登记结果声明、主动挑战、
// 按信誉加权的预言机投票、裁决后的信誉反馈以及派奖结算。
package dispute
