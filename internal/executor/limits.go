package executor

import (
	"time"

	"github.com/shopspring/decimal"
)

// Limits 约束动作参数，超出范围的数值被裁剪到边界。
type Limits struct {
	MinStake            decimal.Decimal
	MaxStake            decimal.Decimal
	MinOrderSize        decimal.Decimal
	MaxOrderSize        decimal.Decimal
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
	BootstrapStake      decimal.Decimal
	EscrowFunding       decimal.Decimal
	ParticipationReward float64
	MinMarketDuration   time.Duration
	MaxMarketDuration   time.Duration
}

// DefaultLimits 返回默认的参数范围。
func DefaultLimits() Limits {
	return Limits{
		MinStake:            decimal.NewFromInt(1),
		MaxStake:            decimal.NewFromInt(100),
		MinOrderSize:        decimal.NewFromInt(1),
		MaxOrderSize:        decimal.NewFromInt(100),
		MinPrice:            decimal.RequireFromString("0.01"),
		MaxPrice:            decimal.RequireFromString("0.99"),
		BootstrapStake:      decimal.NewFromInt(2),
		EscrowFunding:       decimal.Zero,
		ParticipationReward: 0.75,
		MinMarketDuration:   2 * time.Minute,
		MaxMarketDuration:   24 * time.Hour,
	}
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if hi.IsPositive() && v.GreaterThan(hi) {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
