package reputation

import (
	"context"
	"time"
)

const (
	// Baseline 是没有任何证明时的信誉分。
	Baseline = 50.0
	// Min 与 Max 是信誉分的上下界。
	Min = 0.0
	Max = 100.0
)

// 常用的证明标签。
const (
	TagParticipation = "participation"
	TagOracleVote    = "oracle_vote"
	TagAttestation   = "self_attestation"
)

// Attestation 是一条只追加的信誉证明。
type Attestation struct {
	ID         string
	Subject    string
	Attester   string
	Delta      float64
	Confidence float64
	Reason     string
	Tags       []string
	MarketID   string
	CreatedAt  time.Time
}

// HasTag 判断证明是否带有指定标签。
func (a Attestation) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Store 持久化信誉证明，只支持追加与全量读取。
type Store interface {
	Append(ctx context.Context, att Attestation) error
	List(ctx context.Context) ([]Attestation, error)
	Close() error
}

// Clamp 把分数限制在 [Min, Max]。
func Clamp(score float64) float64 {
	if score < Min {
		return Min
	}
	if score > Max {
		return Max
	}
	return score
}
