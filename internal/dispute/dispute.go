package dispute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentMarket/internal/agent"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
	"AgentMarket/internal/wallet"
	"AgentMarket/pkg/logger"
)

// CodePayoutFailed 表示单个账户的派奖失败，不影响其他账户。
const CodePayoutFailed xerrors.Code = "DISPUTE_PAYOUT_FAILED"

func init() {
	xerrors.Register(CodePayoutFailed, xerrors.Attributes{
		Message:   "payout failed",
		Severity:  xerrors.SeverityWarning,
		Class:     xerrors.ClassPayout,
		Retryable: false,
	})
}

// Config 描述裁决流程的可调参数。
type Config struct {
	MinReputation                float64
	MinVoters                    int
	QuorumPercent                float64
	ChallengeWindow              time.Duration
	ProactiveChallengeConfidence float64
	MinVoteConfidence            float64
	CorrectVoteDelta             float64
	IncorrectVoteDelta           float64
	OverturnedAttesterDelta      float64
	OperatorAgent                string
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		MinReputation:                60,
		MinVoters:                    3,
		QuorumPercent:                0.5,
		ChallengeWindow:              2 * time.Minute,
		ProactiveChallengeConfidence: 0.65,
		MinVoteConfidence:            0.3,
		CorrectVoteDelta:             5,
		IncorrectVoteDelta:           -5,
		OverturnedAttesterDelta:      -8,
	}
}

// Engine 负责已截止市场的裁决与结算。
type Engine struct {
	markets    market.Primitive
	wallets    *wallet.Registry
	roster     *agent.Roster
	reputation *reputation.Service
	events     events.Publisher
	cfg        Config
	now        func() time.Time
	canVote    func(agentID string) bool
	log        *slog.Logger

	mu         sync.Mutex
	inFlight   map[string]bool
	internal   map[string]bool
	feedback   map[string]bool
	claimed    map[string]bool
	broadcasts int
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithConfig 覆盖默认参数。
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithVoterFilter 限定外部挑战触发的投票中可以参与的智能体，例如只允许启用且未暂停的托管智能体。
func WithVoterFilter(fn func(agentID string) bool) Option {
	return func(e *Engine) {
		e.canVote = fn
	}
}

// New 创建裁决引擎。
func New(markets market.Primitive, wallets *wallet.Registry, roster *agent.Roster, rep *reputation.Service, pub events.Publisher, opts ...Option) *Engine {
	e := &Engine{
		markets:    markets,
		wallets:    wallets,
		roster:     roster,
		reputation: rep,
		events:     pub,
		cfg:        DefaultConfig(),
		now:        time.Now,
		log:        logger.Named("dispute"),
		inFlight:   make(map[string]bool),
		internal:   make(map[string]bool),
		feedback:   make(map[string]bool),
		claimed:    make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Restore 根据已有的信誉证明标记已写入的反馈，避免重启后重复发放。
func (e *Engine) Restore(ctx context.Context) error {
	atts, err := e.reputation.List(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, att := range atts {
		if att.MarketID == "" {
			continue
		}
		for _, tag := range []string{reputation.TagOracleVote, reputation.TagAttestation} {
			if att.HasTag(tag) {
				e.feedback[feedbackKey(att.MarketID, att.Subject, tag)] = true
			}
		}
	}
	return nil
}

// acquire 把市场加入处理中集合，已在处理中时返回 false。
func (e *Engine) acquire(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[marketID] {
		return false
	}
	e.inFlight[marketID] = true
	return true
}

func (e *Engine) release(marketID string) {
	e.mu.Lock()
	delete(e.inFlight, marketID)
	e.mu.Unlock()
}

// InFlight 返回当前正在处理的市场数量。
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

func (e *Engine) publish(ctx context.Context, name string, payload events.Payload) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, name, payload)
}

// swallow 吞掉可预期的冲突，其余错误原样返回。
func (e *Engine) swallow(err error, marketID, step string) error {
	if err == nil {
		return nil
	}
	if market.IsExpectedConflict(err) {
		e.log.Debug("忽略可预期的冲突", slog.String("market_id", marketID),
			slog.String("step", step), slog.Any("error", err))
		return nil
	}
	return err
}
