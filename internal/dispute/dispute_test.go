package dispute

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket/internal/agent"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/ledger"
	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
	"AgentMarket/internal/wallet"
)

// flakyRepStore 让第 failAt 次带市场的写入失败一次。
type flakyRepStore struct {
	*reputation.MemoryStore
	mu     sync.Mutex
	failAt int
	seen   int
}

func (s *flakyRepStore) Append(ctx context.Context, att reputation.Attestation) error {
	if att.MarketID != "" {
		s.mu.Lock()
		s.seen++
		fail := s.seen == s.failAt
		s.mu.Unlock()
		if fail {
			return stdErrors.New("database is locked")
		}
	}
	return s.MemoryStore.Append(ctx, att)
}

// flakyClaims 让指定账户的前 failures 次领取返回账本错误。
type flakyClaims struct {
	market.Primitive
	account  string
	failures int
}

func (p *flakyClaims) ClaimWinnings(ctx context.Context, req market.ClaimRequest) (decimal.Decimal, error) {
	if req.Account == p.account && p.failures > 0 {
		p.failures--
		return decimal.Zero, xerrors.New(xerrors.CodeLedgerFailure, "rpc timeout")
	}
	return p.Primitive.ClaimWinnings(ctx, req)
}

type fixture struct {
	ledger   *ledger.MemoryLedger
	markets  *market.MemoryPrimitive
	wallets  *wallet.Registry
	roster   *agent.Roster
	rep      *reputation.Service
	recorder *events.Recorder
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, reputation.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, repStore reputation.Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.ledger = ledger.NewMemoryLedger()
	clients := ledger.NewClientCache(f.ledger)
	t.Cleanup(func() { _ = clients.Close() })
	store, err := wallet.NewMemoryStore("")
	require.NoError(t, err)
	f.wallets = wallet.NewRegistry(f.ledger, store)
	f.roster = agent.NewRoster()
	f.rep = reputation.NewService(repStore)
	f.markets = market.NewMemoryPrimitive(clients, market.WithClock(clock), market.WithReputation(f.rep), market.WithQuorum(3))
	f.recorder = events.NewRecorder()
	bus := events.NewBus(events.WithTransports(f.recorder))
	f.engine = New(f.markets, f.wallets, f.roster, f.rep, bus, append([]Option{WithClock(clock)}, opts...)...)
	return f
}

// addAgent 开设钱包并把信誉调整到 score。
func (f *fixture) addAgent(t *testing.T, id string, score float64) {
	t.Helper()
	ctx := context.Background()
	w, err := f.wallets.Provision(ctx, wallet.Wallet{OwnerID: id, Kind: wallet.KindAgent}, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.NoError(t, f.roster.Add(agent.Agent{ID: id, Name: id, Account: w.AccountID, Bankroll: decimal.NewFromInt(1000)}))
	if delta := score - reputation.Baseline; delta != 0 {
		_, err := f.rep.Record(ctx, reputation.Attestation{Subject: id, Attester: "test", Delta: delta})
		require.NoError(t, err)
	}
}

func (f *fixture) createMarket(t *testing.T, creator string) market.Market {
	t.Helper()
	ctx := context.Background()
	escrow, err := f.wallets.Provision(ctx, wallet.Wallet{OwnerID: fmt.Sprintf("escrow-%d", f.wallets.Len(wallet.KindEscrow)), Kind: wallet.KindEscrow}, decimal.Zero)
	require.NoError(t, err)
	m, err := f.markets.CreateMarket(ctx, market.CreateRequest{
		Question:  "Will it rain?",
		Creator:   creator,
		Escrow:    escrow.AccountID,
		Outcomes:  []string{"YES", "NO"},
		CloseTime: f.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) bet(t *testing.T, marketID, bettor, outcome string, stake int64) {
	t.Helper()
	w, ok := f.wallets.Get(bettor)
	require.True(t, ok)
	_, err := f.markets.PlaceBet(context.Background(), market.BetRequest{
		MarketID: marketID,
		Bettor:   bettor,
		Account:  w.Account(),
		Outcome:  outcome,
		Stake:    decimal.NewFromInt(stake),
	})
	require.NoError(t, err)
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) get(t *testing.T, id string) market.Market {
	t.Helper()
	m, err := f.markets.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestScenarioATrustedConsensus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	for _, id := range []string{"t1", "t2", "t3"} {
		f.addAgent(t, id, 80)
	}
	m := f.createMarket(t, "creator")
	for _, id := range []string{"t1", "t2", "t3"} {
		f.bet(t, m.ID, id, "YES", 10)
	}

	est := f.engine.Estimate(f.get(t, m.ID), f.rep.View())
	assert.Equal(t, "YES", est.Outcome)
	assert.InDelta(t, 1.0, est.Confidence, 1e-9)
	assert.Equal(t, SourceWeighted, est.Source)

	f.advance(2 * time.Hour)
	report, err := f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attested)
	assert.Equal(t, 0, report.Challenged)
	assert.Equal(t, "t1", f.get(t, m.ID).SelfAttestation.Attester)

	f.advance(DefaultConfig().ChallengeWindow + time.Second)
	report, err = f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finalized)

	resolved := f.get(t, m.ID)
	assert.Equal(t, market.StatusResolved, resolved.Status)
	assert.Equal(t, "YES", resolved.ResolvedOutcome)
	assert.Equal(t, market.ResolvedByAttestation, resolved.Resolution.Method)
}

func TestScenarioBNoBetsResolvesFirstOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	f.addAgent(t, "a1", 50)
	m := f.createMarket(t, "creator")

	est := f.engine.Estimate(m, f.rep.View())
	assert.Equal(t, "YES", est.Outcome)
	assert.Zero(t, est.Confidence)

	f.advance(2 * time.Hour)
	report, err := f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attested)
	assert.Equal(t, 0, report.Challenged, "no trusted agent is available to challenge")

	f.advance(DefaultConfig().ChallengeWindow + time.Second)
	_, err = f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, "YES", f.get(t, m.ID).ResolvedOutcome)
}

func TestScenarioCOverturnedAttestation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	f.addAgent(t, "attester", 50)
	f.addAgent(t, "challenger", 50)
	for _, id := range []string{"v1", "v2", "v3"} {
		f.addAgent(t, id, 80)
	}
	m := f.createMarket(t, "creator")
	f.bet(t, m.ID, "v1", "NO", 10)
	f.bet(t, m.ID, "v2", "NO", 10)
	f.bet(t, m.ID, "v3", "YES", 10)

	f.advance(2 * time.Hour)
	_, err := f.markets.SelfAttest(ctx, m.ID, market.SelfAttestation{Outcome: "YES", Attester: "attester", WindowEnd: f.now.Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.markets.Challenge(ctx, m.ID, market.Challenge{Challenger: "challenger", Outcome: "NO"})
	require.NoError(t, err)

	before := totalDelta(t, f)
	report, err := f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Votes)
	assert.Equal(t, 1, report.Finalized)

	resolved := f.get(t, m.ID)
	assert.Equal(t, "NO", resolved.ResolvedOutcome)
	assert.Nil(t, resolved.SelfAttestation)

	assert.InDelta(t, 85, f.rep.Score("v1"), 1e-9)
	assert.InDelta(t, 85, f.rep.Score("v2"), 1e-9)
	assert.InDelta(t, 75, f.rep.Score("v3"), 1e-9)
	assert.InDelta(t, 42, f.rep.Score("attester"), 1e-9)

	// 信誉守恒：2 票正确、1 票错误、声明被推翻。
	assert.InDelta(t, 2*5+1*-5-8, totalDelta(t, f)-before, 1e-9)
	v1, _ := f.roster.Get("v1")
	assert.InDelta(t, 85, v1.Reputation, 1e-9)

	// 再次扫描不会重复投票或重复发放反馈。
	_, err = f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	_, err = f.engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.Len(t, f.get(t, m.ID).Votes, 3)
	assert.InDelta(t, 2*5+1*-5-8, totalDelta(t, f)-before, 1e-9)
}

func totalDelta(t *testing.T, f *fixture) float64 {
	t.Helper()
	atts, err := f.rep.List(context.Background())
	require.NoError(t, err)
	total := 0.0
	for _, a := range atts {
		total += a.Delta
	}
	return total
}

func TestProactiveChallengeAndBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	for _, id := range []string{"t1", "t2", "t3"} {
		f.addAgent(t, id, 80)
	}
	m := f.createMarket(t, "creator")
	f.bet(t, m.ID, "t1", "YES", 10)
	f.bet(t, m.ID, "t2", "NO", 8)

	f.advance(2 * time.Hour)
	report, err := f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attested)
	assert.Equal(t, 1, report.Challenged)

	disputed := f.get(t, m.ID)
	assert.Equal(t, market.StatusDisputed, disputed.Status)
	assert.Equal(t, "t1", disputed.SelfAttestation.Attester)
	require.Len(t, disputed.Challenges, 1)
	assert.Equal(t, "t2", disputed.Challenges[0].Challenger)
	assert.Equal(t, "NO", disputed.Challenges[0].Outcome)

	challenged := f.recorder.Named(events.MarketChallenged)
	require.Len(t, challenged, 1)
	f.engine.HandleEvent(ctx, challenged[0])
	assert.Zero(t, f.engine.Broadcasts(), "internal challenges must not trigger a broadcast")

	f.engine.HandleEvent(ctx, events.Event{Name: events.MarketChallenged, Payload: events.Payload{"market_id": m.ID, "challenger": "someone-else"}})
	assert.Equal(t, 1, f.engine.Broadcasts())
	// t3 是唯一合格投票人。
	votes := f.get(t, m.ID).Votes
	require.Len(t, votes, 1)
	assert.Equal(t, "t3", votes[0].Voter)
	assert.InDelta(t, 10.0/18.0, votes[0].Confidence, 1e-9)

	// 重复投票被拒绝且不会覆盖。
	_, err = f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	assert.Len(t, f.get(t, m.ID).Votes, 1)
}

func TestBroadcastRespectsVoterFilter(t *testing.T) {
	f := newFixture(t, WithVoterFilter(func(id string) bool { return id != "t3" }))
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		f.addAgent(t, id, 80)
	}
	m := f.createMarket(t, "creator")
	f.advance(2 * time.Hour)
	_, err := f.markets.SelfAttest(ctx, m.ID, market.SelfAttestation{Outcome: "YES", Attester: "t1"})
	require.NoError(t, err)
	_, err = f.markets.Challenge(ctx, m.ID, market.Challenge{Challenger: "t2", Outcome: "NO"})
	require.NoError(t, err)

	require.NoError(t, f.engine.BroadcastChallenge(ctx, m.ID))
	votes := f.get(t, m.ID).Votes
	require.Len(t, votes, 1)
	assert.Equal(t, "t4", votes[0].Voter)
	assert.Equal(t, "YES", votes[0].Outcome)
	assert.InDelta(t, DefaultConfig().MinVoteConfidence, votes[0].Confidence, 1e-9)
}

func TestInFlightMarketIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "creator", 50)
	m := f.createMarket(t, "creator")
	f.advance(2 * time.Hour)

	require.True(t, f.engine.acquire(m.ID))
	report, err := f.engine.ResolveExpiredMarkets(context.Background(), f.now)
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
	require.NoError(t, f.engine.BroadcastChallenge(context.Background(), m.ID))
	f.engine.release(m.ID)
	assert.Zero(t, f.engine.InFlight())
}

func TestSettlementPaysWinnersOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	f.addAgent(t, "w1", 50)
	f.addAgent(t, "w2", 50)
	f.addAgent(t, "loser", 50)
	m := f.createMarket(t, "creator")
	f.bet(t, m.ID, "w1", "YES", 10)
	f.bet(t, m.ID, "w1", "YES", 10)
	f.bet(t, m.ID, "w2", "YES", 20)
	f.bet(t, m.ID, "loser", "NO", 40)
	_, err := f.markets.ResolveMarket(ctx, m.ID, "creator", "YES")
	require.NoError(t, err)

	report, err := f.engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claims)
	assert.True(t, report.PaidOut.Equal(decimal.NewFromInt(80)))

	w1, _ := f.roster.Get("w1")
	assert.True(t, w1.Bankroll.Equal(decimal.NewFromInt(1040)), "bankroll %s", w1.Bankroll)
	assert.True(t, f.engine.Claimed(m.ID, w1.Account))
	assert.Len(t, f.recorder.Named(events.MarketPayout), 2)

	again, err := f.engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Claims)

	// 新引擎没有本地记录，原语返回 already claimed，被静默忽略。
	fresh := New(f.markets, f.wallets, f.roster, f.rep, nil)
	replay, err := fresh.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Skipped)

	escrow, err := f.ledger.Balance(ctx, m.Escrow)
	require.NoError(t, err)
	assert.True(t, escrow.IsZero())
}

func TestSettlementReportsMissingEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	f.addAgent(t, "w1", 50)

	orphan, err := f.ledger.CreateAccount(ctx, decimal.Zero)
	require.NoError(t, err)
	m, err := f.markets.CreateMarket(ctx, market.CreateRequest{
		Question: "q", Creator: "creator", Escrow: orphan.ID,
		Outcomes: []string{"A", "B"}, CloseTime: f.now.Add(time.Hour),
	})
	require.NoError(t, err)
	f.bet(t, m.ID, "w1", "A", 5)
	_, err = f.markets.ResolveMarket(ctx, m.ID, "creator", "A")
	require.NoError(t, err)

	_, err = f.engine.SettleResolvedMarkets(ctx)
	require.Error(t, err)
	assert.Equal(t, xerrors.ClassPayout, xerrors.ClassOf(err))
}

func TestResolvedOutcomeAlwaysInOutcomeSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		f.addAgent(t, id, 90)
	}
	stakes := [][]int64{{0, 0}, {5, 0}, {0, 5}, {3, 3}, {10, 1}, {1, 10}}
	var ids []string
	for _, s := range stakes {
		m := f.createMarket(t, "creator")
		ids = append(ids, m.ID)
		if s[0] > 0 {
			f.bet(t, m.ID, "t4", "YES", s[0])
		}
		if s[1] > 0 {
			f.bet(t, m.ID, "t5", "NO", s[1])
		}
	}

	f.advance(2 * time.Hour)
	for i := 0; i < 4; i++ {
		_, err := f.engine.ResolveExpiredMarkets(ctx, f.now)
		require.NoError(t, err)
		f.advance(5 * time.Minute)
	}
	for _, id := range ids {
		m := f.get(t, id)
		require.Equal(t, market.StatusResolved, m.Status, "market %s", id)
		assert.True(t, m.HasOutcome(m.ResolvedOutcome), "market %s resolved to %q", id, m.ResolvedOutcome)
	}
}

func TestRestoreSeedsFeedbackFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rep.Record(ctx, reputation.Attestation{Subject: "v1", Delta: 5, MarketID: "mkt-1", Tags: []string{reputation.TagOracleVote}})
	require.NoError(t, err)
	require.NoError(t, f.engine.Restore(ctx))

	before := totalDelta(t, f)
	require.NoError(t, f.engine.applyFeedback(ctx, market.Market{
		ID: "mkt-1", Status: market.StatusResolved, Outcomes: []string{"YES", "NO"}, ResolvedOutcome: "YES",
		Votes: []market.OracleVote{
			{Voter: "v1", Outcome: "YES", Confidence: 1},
			{Voter: "v2", Outcome: "YES", Confidence: 1},
		},
	}))
	// v1 的反馈已在存储中，只补发 v2。
	assert.InDelta(t, 5, totalDelta(t, f)-before, 1e-9)
}

func TestFailedFeedbackWriteIsRetried(t *testing.T) {
	f := newFixtureWithStore(t, &flakyRepStore{MemoryStore: reputation.NewMemoryStore(), failAt: 2})
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	f.addAgent(t, "attester", 50)
	f.addAgent(t, "challenger", 50)
	for _, id := range []string{"v1", "v2", "v3"} {
		f.addAgent(t, id, 80)
	}
	m := f.createMarket(t, "creator")
	for _, id := range []string{"v1", "v2", "v3"} {
		f.bet(t, m.ID, id, "NO", 10)
	}

	f.advance(2 * time.Hour)
	_, err := f.markets.SelfAttest(ctx, m.ID, market.SelfAttestation{Outcome: "NO", Attester: "attester", WindowEnd: f.now.Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.markets.Challenge(ctx, m.ID, market.Challenge{Challenger: "challenger", Outcome: "YES"})
	require.NoError(t, err)

	before := totalDelta(t, f)
	_, err = f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.Equal(t, market.StatusResolved, f.get(t, m.ID).Status)
	assert.InDelta(t, 10, totalDelta(t, f)-before, 1e-9)

	_, err = f.engine.ResolveExpiredMarkets(ctx, f.now)
	require.NoError(t, err)
	_, err = f.engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3*5, totalDelta(t, f)-before, 1e-9)
	for _, id := range []string{"v1", "v2", "v3"} {
		assert.InDelta(t, 85, f.rep.Score(id), 1e-9, id)
	}

	_, err = f.engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3*5, totalDelta(t, f)-before, 1e-9)
}

func TestPayoutFailureDoesNotBlockOtherWinners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "creator", 50)
	f.addAgent(t, "w1", 50)
	f.addAgent(t, "w2", 50)
	f.addAgent(t, "loser", 50)
	m := f.createMarket(t, "creator")
	f.bet(t, m.ID, "w1", "YES", 10)
	f.bet(t, m.ID, "w2", "YES", 10)
	f.bet(t, m.ID, "loser", "NO", 20)
	_, err := f.markets.ResolveMarket(ctx, m.ID, "creator", "YES")
	require.NoError(t, err)

	w1Wallet, _ := f.wallets.Get("w1")
	w2Wallet, _ := f.wallets.Get("w2")
	claims := &flakyClaims{Primitive: f.markets, account: w1Wallet.AccountID, failures: 1}
	engine := New(claims, f.wallets, f.roster, f.rep, nil, WithClock(func() time.Time { return f.now }))

	report, err := engine.SettleResolvedMarkets(ctx)
	require.Error(t, err)
	assert.Equal(t, xerrors.ClassPayout, xerrors.ClassOf(err))
	assert.Equal(t, CodePayoutFailed, xerrors.CodeOf(err))
	assert.Equal(t, 1, report.Claims)
	assert.Equal(t, 1, report.Failed)

	w2, _ := f.roster.Get("w2")
	assert.True(t, w2.Bankroll.Equal(decimal.NewFromInt(1020)), "bankroll %s", w2.Bankroll)
	balance, err := f.ledger.Balance(ctx, w2Wallet.AccountID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1010)), "balance %s", balance)
	assert.False(t, engine.Claimed(m.ID, w1Wallet.AccountID))

	// 账本错误可重试，下一次结算补发。
	retry, err := engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Claims)
	w1, _ := f.roster.Get("w1")
	assert.True(t, w1.Bankroll.Equal(decimal.NewFromInt(1020)), "bankroll %s", w1.Bankroll)

	again, err := engine.SettleResolvedMarkets(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Claims)
	assert.Zero(t, again.Failed)
}
