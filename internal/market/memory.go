package market

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/ledger"
	"AgentMarket/pkg/logger"
)

// payoutPrecision 控制派奖金额的截断位数，保证派奖总额不超过奖池。
const payoutPrecision = 8

// MemoryOption 定义 MemoryPrimitive 的可选配置。
type MemoryOption func(*MemoryPrimitive)

// WithQuorum 设置触发裁决所需的票数。
func WithQuorum(votes int) MemoryOption {
	return func(p *MemoryPrimitive) {
		if votes > 0 {
			p.quorum = votes
		}
	}
}

// WithChallengeWindow 设置结果声明未指定窗口时使用的默认挑战窗口。
func WithChallengeWindow(window time.Duration) MemoryOption {
	return func(p *MemoryPrimitive) {
		if window > 0 {
			p.window = window
		}
	}
}

// WithReputation 注入计票使用的信誉来源。
func WithReputation(src ReputationSource) MemoryOption {
	return func(p *MemoryPrimitive) {
		p.reputation = src
	}
}

// WithClock 替换时间来源，测试中用于推进时间。
func WithClock(now func() time.Time) MemoryOption {
	return func(p *MemoryPrimitive) {
		if now != nil {
			p.now = now
		}
	}
}

// MemoryPrimitive 是进程内的市场原语，资金通过账本在押注人与托管账户之间流动。
type MemoryPrimitive struct {
	clients    *ledger.ClientCache
	quorum     int
	window     time.Duration
	reputation ReputationSource
	now        func() time.Time

	mu      sync.Mutex
	markets map[string]*Market
	claimed map[string]bool
}

// NewMemoryPrimitive 创建内存市场原语。
func NewMemoryPrimitive(clients *ledger.ClientCache, opts ...MemoryOption) *MemoryPrimitive {
	p := &MemoryPrimitive{
		clients: clients,
		quorum:  3,
		window:  2 * time.Minute,
		now:     time.Now,
		markets: make(map[string]*Market),
		claimed: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// CreateMarket 开设市场，结果集合至少包含两个互不相同的结果。
func (p *MemoryPrimitive) CreateMarket(_ context.Context, req CreateRequest) (Market, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Market{}, invalid("", "question is required")
	}
	if len(req.Outcomes) < 2 {
		return Market{}, invalid("", "at least two outcomes are required")
	}
	seen := make(map[string]bool, len(req.Outcomes))
	for _, o := range req.Outcomes {
		if strings.TrimSpace(o) == "" || seen[o] {
			return Market{}, invalid("", "outcomes must be unique and non-empty")
		}
		seen[o] = true
	}
	if req.Escrow == "" {
		return Market{}, invalid("", "escrow account is required")
	}

	now := p.now()
	m := &Market{
		ID:        "mkt-" + uuid.NewString(),
		Question:  question,
		Creator:   req.Creator,
		Escrow:    req.Escrow,
		Outcomes:  append([]string(nil), req.Outcomes...),
		Status:    StatusOpen,
		CreatedAt: now,
		CloseTime: req.CloseTime,
	}

	p.mu.Lock()
	p.markets[m.ID] = m
	p.mu.Unlock()
	return m.Clone(), nil
}

// PlaceBet 把押注从押注人账户转入托管账户并记录。
func (p *MemoryPrimitive) PlaceBet(ctx context.Context, req BetRequest) (Bet, error) {
	if !req.Stake.IsPositive() {
		return Bet{}, invalid(req.MarketID, "stake must be positive")
	}

	p.mu.Lock()
	m, ok := p.markets[req.MarketID]
	if !ok {
		p.mu.Unlock()
		return Bet{}, notFound(req.MarketID)
	}
	if err := p.checkTradable(m, req.Outcome); err != nil {
		p.mu.Unlock()
		return Bet{}, err
	}
	escrow := m.Escrow
	p.mu.Unlock()

	client, err := p.clients.Client(ctx, req.Account)
	if err != nil {
		return Bet{}, err
	}
	if _, err := client.Transfer(ctx, escrow, req.Stake); err != nil {
		return Bet{}, err
	}

	bet := Bet{
		ID:       "bet-" + uuid.NewString(),
		Bettor:   req.Bettor,
		Account:  req.Account.ID,
		Outcome:  req.Outcome,
		Stake:    req.Stake,
		PlacedAt: p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m.Bets = append(m.Bets, bet)
	return bet, nil
}

// PublishOrder 记录挂单，不做撮合。
func (p *MemoryPrimitive) PublishOrder(_ context.Context, req OrderRequest) (Order, error) {
	if !req.Size.IsPositive() {
		return Order{}, invalid(req.MarketID, "order size must be positive")
	}
	if !req.Price.IsPositive() || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Order{}, invalid(req.MarketID, "order price must be within (0,1)")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return Order{}, invalid(req.MarketID, "unknown order side %q", req.Side)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.markets[req.MarketID]
	if !ok {
		return Order{}, notFound(req.MarketID)
	}
	if err := p.checkTradable(m, req.Outcome); err != nil {
		return Order{}, err
	}
	order := Order{
		ID:       "ord-" + uuid.NewString(),
		Maker:    req.Maker,
		Account:  req.Account,
		Outcome:  req.Outcome,
		Side:     req.Side,
		Price:    req.Price,
		Size:     req.Size,
		PlacedAt: p.now(),
	}
	m.Orders = append(m.Orders, order)
	return order, nil
}

func (p *MemoryPrimitive) checkTradable(m *Market, outcome string) error {
	switch {
	case m.Status == StatusResolved:
		return conflict(m.ID, MsgAlreadyResolved)
	case m.Status != StatusOpen || m.Expired(p.now()):
		return invalid(m.ID, MsgMarketClosed)
	case !m.HasOutcome(outcome):
		return invalid(m.ID, "%s %q", MsgInvalidOutcome, outcome)
	}
	return nil
}

// ResolveMarket 由创建者直接裁决开放市场，或由结果声明人在挑战窗口结束后确认声明结果。
func (p *MemoryPrimitive) ResolveMarket(_ context.Context, marketID, caller, outcome string) (Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.markets[marketID]
	if !ok {
		return Market{}, notFound(marketID)
	}
	switch m.Status {
	case StatusResolved:
		return Market{}, conflict(marketID, MsgAlreadyResolved)
	case StatusDisputed:
		return Market{}, invalid(marketID, MsgMarketDisputed)
	}
	if !m.HasOutcome(outcome) {
		return Market{}, invalid(marketID, "%s %q", MsgInvalidOutcome, outcome)
	}

	now := p.now()
	method := ResolvedByCreator
	att := m.SelfAttestation
	switch {
	case caller == m.Creator:
	case att != nil && caller == att.Attester:
		if now.Before(att.WindowEnd) {
			return Market{}, invalid(marketID, "challenge window still open")
		}
		if outcome != att.Outcome {
			return Market{}, invalid(marketID, "%s: attested %q", MsgInvalidOutcome, att.Outcome)
		}
		method = ResolvedByAttestation
	default:
		return Market{}, invalid(marketID, MsgNotAuthorized)
	}

	p.finalize(m, outcome, method, caller, now)
	return m.Clone(), nil
}

// SelfAttest 在市场截止后登记结果声明，并开启挑战窗口。
func (p *MemoryPrimitive) SelfAttest(_ context.Context, marketID string, att SelfAttestation) (Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.markets[marketID]
	if !ok {
		return Market{}, notFound(marketID)
	}
	now := p.now()
	switch {
	case m.Status == StatusResolved:
		return Market{}, conflict(marketID, MsgAlreadyResolved)
	case m.Status == StatusDisputed || m.SelfAttestation != nil:
		return Market{}, conflict(marketID, MsgAlreadyAttested)
	case !m.Expired(now):
		return Market{}, invalid(marketID, MsgMarketNotClosed)
	case !m.HasOutcome(att.Outcome):
		return Market{}, invalid(marketID, "%s %q", MsgInvalidOutcome, att.Outcome)
	case att.Attester == "":
		return Market{}, invalid(marketID, "attester is required")
	}
	if att.WindowEnd.IsZero() {
		att.WindowEnd = now.Add(p.window)
	}
	m.SelfAttestation = &att
	return m.Clone(), nil
}

// Challenge 对结果声明提出异议，市场随即进入 DISPUTED。
func (p *MemoryPrimitive) Challenge(_ context.Context, marketID string, ch Challenge) (Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.markets[marketID]
	if !ok {
		return Market{}, notFound(marketID)
	}
	if m.Status == StatusResolved {
		return Market{}, conflict(marketID, MsgAlreadyResolved)
	}
	att := m.SelfAttestation
	if att == nil {
		return Market{}, invalid(marketID, MsgNoAttestation)
	}
	now := p.now()
	switch {
	case m.Status == StatusOpen && now.After(att.WindowEnd):
		return Market{}, conflict(marketID, MsgWindowClosed)
	case ch.Challenger == "" || ch.Challenger == att.Attester:
		return Market{}, invalid(marketID, MsgNotAuthorized)
	case m.IsChallenger(ch.Challenger):
		return Market{}, conflict(marketID, MsgAlreadyChallenged)
	case !m.HasOutcome(ch.Outcome):
		return Market{}, invalid(marketID, "%s %q", MsgInvalidOutcome, ch.Outcome)
	case ch.Outcome == att.Outcome:
		return Market{}, invalid(marketID, MsgSameOutcome)
	}
	if ch.At.IsZero() {
		ch.At = now
	}
	m.Challenges = append(m.Challenges, ch)
	m.Status = StatusDisputed
	return m.Clone(), nil
}

// SubmitOracleVote 记录预言机投票；票数达到法定人数时按 confidence*max(1,信誉) 计票裁决。
func (p *MemoryPrimitive) SubmitOracleVote(_ context.Context, marketID string, vote OracleVote) (VoteReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.markets[marketID]
	if !ok {
		return VoteReceipt{}, notFound(marketID)
	}
	switch {
	case m.Status == StatusResolved:
		return VoteReceipt{}, conflict(marketID, MsgAlreadyResolved)
	case m.Status != StatusDisputed:
		return VoteReceipt{}, conflict(marketID, MsgNotDisputed)
	case vote.Voter == "" || vote.Voter == m.Creator || vote.Voter == m.Attester() || m.IsChallenger(vote.Voter):
		return VoteReceipt{}, conflict(marketID, MsgIneligibleVoter)
	case m.HasVoted(vote.Voter):
		return VoteReceipt{}, conflict(marketID, MsgAlreadyVoted)
	case !m.HasOutcome(vote.Outcome):
		return VoteReceipt{}, invalid(marketID, "%s %q", MsgInvalidOutcome, vote.Outcome)
	case vote.Confidence < 0 || vote.Confidence > 1 || math.IsNaN(vote.Confidence):
		return VoteReceipt{}, invalid(marketID, "confidence must be within [0,1]")
	}

	now := p.now()
	if vote.At.IsZero() {
		vote.At = now
	}
	m.Votes = append(m.Votes, vote)

	if len(m.Votes) < p.quorum {
		return VoteReceipt{Market: m.Clone()}, nil
	}
	outcome := p.tally(m)
	p.finalize(m, outcome, ResolvedByOracle, "", now)
	logger.Audit().Info("预言机投票达到法定人数",
		slog.String("market_id", m.ID),
		slog.String("outcome", outcome),
		slog.Int("votes", len(m.Votes)))
	return VoteReceipt{Finalized: true, Outcome: outcome, Market: m.Clone()}, nil
}

func (p *MemoryPrimitive) tally(m *Market) string {
	weights := make([]float64, len(m.Outcomes))
	for _, v := range m.Votes {
		rep := 0.0
		if p.reputation != nil {
			rep = p.reputation.Score(v.Voter)
		}
		weights[m.OutcomeIndex(v.Outcome)] += v.Confidence * math.Max(1, rep)
	}
	best := 0
	for i := 1; i < len(weights); i++ {
		if weights[i] > weights[best] {
			best = i
		}
	}
	return m.Outcomes[best]
}

func (p *MemoryPrimitive) finalize(m *Market, outcome string, method ResolutionMethod, by string, at time.Time) {
	m.Status = StatusResolved
	m.ResolvedOutcome = outcome
	m.Resolution = &Resolution{Method: method, ResolvedBy: by, Attested: m.SelfAttestation, At: at}
	m.SelfAttestation = nil
}

// ClaimWinnings 按赢家押注占比从托管账户派发奖池，每个 (市场, 账户) 只能领取一次。
func (p *MemoryPrimitive) ClaimWinnings(ctx context.Context, req ClaimRequest) (decimal.Decimal, error) {
	key := req.MarketID + "|" + req.Account

	p.mu.Lock()
	m, ok := p.markets[req.MarketID]
	if !ok {
		p.mu.Unlock()
		return decimal.Zero, notFound(req.MarketID)
	}
	if m.Status != StatusResolved {
		p.mu.Unlock()
		return decimal.Zero, invalid(req.MarketID, MsgNotResolved)
	}
	if req.Escrow.ID != m.Escrow {
		p.mu.Unlock()
		return decimal.Zero, invalid(req.MarketID, "%s: escrow mismatch", MsgNotAuthorized)
	}
	if p.claimed[key] {
		p.mu.Unlock()
		return decimal.Zero, conflict(req.MarketID, MsgAlreadyClaimed)
	}
	payout := payoutFor(m, req.Account)
	if !payout.IsPositive() {
		p.mu.Unlock()
		return decimal.Zero, invalid(req.MarketID, MsgNoWinnings)
	}
	// 先占位，防止转账期间的并发重复领取。
	p.claimed[key] = true
	p.mu.Unlock()

	client, err := p.clients.Client(ctx, req.Escrow)
	if err == nil {
		_, err = client.Transfer(ctx, req.Account, payout)
	}
	if err != nil {
		p.mu.Lock()
		delete(p.claimed, key)
		p.mu.Unlock()
		return decimal.Zero, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "派奖转账失败",
			xerrors.WithMetadata("market_id", req.MarketID),
			xerrors.WithMetadata("account", req.Account))
	}
	return payout, nil
}

func payoutFor(m *Market, account string) decimal.Decimal {
	pool := m.Pool()
	winning := decimal.Zero
	mine := decimal.Zero
	for _, b := range m.Bets {
		if b.Outcome != m.ResolvedOutcome {
			continue
		}
		winning = winning.Add(b.Stake)
		if b.Account == account {
			mine = mine.Add(b.Stake)
		}
	}
	if !winning.IsPositive() || !mine.IsPositive() {
		return decimal.Zero
	}
	return pool.Mul(mine).Div(winning).Truncate(payoutPrecision)
}

// Get 返回单个市场的快照。
func (p *MemoryPrimitive) Get(_ context.Context, marketID string) (Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.markets[marketID]
	if !ok {
		return Market{}, notFound(marketID)
	}
	return m.Clone(), nil
}

// Snapshot 按创建时间返回全部市场的快照。
func (p *MemoryPrimitive) Snapshot(_ context.Context) ([]Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Market, 0, len(p.markets))
	for _, m := range p.markets {
		out = append(out, m.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
