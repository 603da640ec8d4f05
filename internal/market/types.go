package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 表示市场所处的裁决阶段。
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusDisputed Status = "DISPUTED"
	StatusResolved Status = "RESOLVED"
)

// Side 表示报价方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ResolutionMethod 记录市场以何种方式完成裁决。
type ResolutionMethod string

const (
	ResolvedByCreator     ResolutionMethod = "creator"
	ResolvedByAttestation ResolutionMethod = "attestation"
	ResolvedByOracle      ResolutionMethod = "oracle"
)

// Market 是预测市场的快照。
type Market struct {
	ID              string
	Question        string
	Creator         string
	Escrow          string
	Outcomes        []string
	Status          Status
	CreatedAt       time.Time
	CloseTime       time.Time
	SelfAttestation *SelfAttestation
	Challenges      []Challenge
	Votes           []OracleVote
	Bets            []Bet
	Orders          []Order
	ResolvedOutcome string
	Resolution      *Resolution
}

// SelfAttestation 是结果声明，挑战窗口结束前可以被挑战。
type SelfAttestation struct {
	Outcome   string
	Attester  string
	Reason    string
	WindowEnd time.Time
}

// Challenge 是对结果声明的异议，只追加不修改。
type Challenge struct {
	Challenger string
	Outcome    string
	Reason     string
	At         time.Time
}

// OracleVote 是预言机投票，每个 (市场, 投票人) 至多一票。
type OracleVote struct {
	Voter      string
	Outcome    string
	Confidence float64
	At         time.Time
}

// Bet 是一笔押注，Account 为押注资金来源与派奖目标账户。
type Bet struct {
	ID       string
	Bettor   string
	Account  string
	Outcome  string
	Stake    decimal.Decimal
	PlacedAt time.Time
}

// Order 是一笔挂单报价。
type Order struct {
	ID       string
	Maker    string
	Account  string
	Outcome  string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	PlacedAt time.Time
}

// Resolution 保留裁决的来历，结果声明被清除后仍可追溯。
type Resolution struct {
	Method     ResolutionMethod
	ResolvedBy string
	Attested   *SelfAttestation
	At         time.Time
}

// HasOutcome 判断 outcome 是否属于市场声明的结果集合。
func (m Market) HasOutcome(outcome string) bool {
	return m.OutcomeIndex(outcome) >= 0
}

// OutcomeIndex 返回结果在声明顺序中的下标，不存在时返回 -1。
func (m Market) OutcomeIndex(outcome string) int {
	for i, o := range m.Outcomes {
		if o == outcome {
			return i
		}
	}
	return -1
}

// Expired 判断市场在 now 时刻是否已过截止时间。
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.CloseTime)
}

// Pool 返回全部押注金额。
func (m Market) Pool() decimal.Decimal {
	total := decimal.Zero
	for _, b := range m.Bets {
		total = total.Add(b.Stake)
	}
	return total
}

// IsChallenger 判断 agentID 是否提出过挑战。
func (m Market) IsChallenger(agentID string) bool {
	for _, c := range m.Challenges {
		if c.Challenger == agentID {
			return true
		}
	}
	return false
}

// HasVoted 判断 agentID 是否已经投票。
func (m Market) HasVoted(agentID string) bool {
	for _, v := range m.Votes {
		if v.Voter == agentID {
			return true
		}
	}
	return false
}

// Attester 返回当前或裁决前的结果声明人。
func (m Market) Attester() string {
	if m.SelfAttestation != nil {
		return m.SelfAttestation.Attester
	}
	if m.Resolution != nil && m.Resolution.Attested != nil {
		return m.Resolution.Attested.Attester
	}
	return ""
}

// Clone 返回深拷贝，调用方可以自由修改。
func (m Market) Clone() Market {
	c := m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.Challenges = append([]Challenge(nil), m.Challenges...)
	c.Votes = append([]OracleVote(nil), m.Votes...)
	c.Bets = append([]Bet(nil), m.Bets...)
	c.Orders = append([]Order(nil), m.Orders...)
	if m.SelfAttestation != nil {
		att := *m.SelfAttestation
		c.SelfAttestation = &att
	}
	if m.Resolution != nil {
		res := *m.Resolution
		if res.Attested != nil {
			att := *res.Attested
			res.Attested = &att
		}
		c.Resolution = &res
	}
	return c
}
