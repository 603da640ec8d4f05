package engine

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/cognition"
	"AgentMarket/internal/dispute"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/goal"
	"AgentMarket/internal/hosted"
	"AgentMarket/internal/ledger"
	"AgentMarket/internal/market"
	"AgentMarket/internal/ratelimit"
	"AgentMarket/internal/reputation"
	"AgentMarket/internal/wallet"
)

type stubCognition struct {
	mu       sync.Mutex
	calls    int
	messages [][]string
	goalErr  error
	entered  chan struct{}
	release  chan struct{}
}

func (s *stubCognition) GenerateGoal(_ context.Context, req cognition.GoalRequest) (cognition.GoalProposal, error) {
	s.mu.Lock()
	s.calls++
	entered, release, err := s.entered, s.release, s.goalErr
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if err != nil {
		return cognition.GoalProposal{}, err
	}
	return cognition.GoalProposal{Description: "观察市场"}, nil
}

func (s *stubCognition) DecideAction(_ context.Context, req cognition.ActionRequest) (cognition.PlannedAction, error) {
	s.mu.Lock()
	s.messages = append(s.messages, req.Messages)
	s.mu.Unlock()
	return cognition.Wait("nothing to do"), nil
}

func (s *stubCognition) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// flakyWalletStore 在 failing 打开时拒绝所有写入。
type flakyWalletStore struct {
	*wallet.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyWalletStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyWalletStore) Persist(ctx context.Context, snapshot wallet.Snapshot) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return stdErrors.New("connection refused")
	}
	return s.MemoryStore.Persist(ctx, snapshot)
}

type fixture struct {
	ledger   *ledger.MemoryLedger
	store    wallet.Store
	rep      *reputation.Service
	recorder *events.Recorder
	cog      *stubCognition
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, limits ratelimit.Config) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		ledger: ledger.NewMemoryLedger(),
		rep:    reputation.NewService(reputation.NewMemoryStore()),
		cog:    &stubCognition{},
	}
	store, err := wallet.NewMemoryStore("")
	require.NoError(t, err)
	f.store = store
	f.engine = f.build(t, cfg, limits)
	return f
}

// build 在同一账本、钱包存储与信誉存储上组装一个新的引擎。
func (f *fixture) build(t *testing.T, cfg Config, limits ratelimit.Config) *Engine {
	t.Helper()
	clock := func() time.Time { return f.now }
	clients := ledger.NewClientCache(f.ledger)
	wallets := wallet.NewRegistry(f.ledger, f.store)
	roster := agent.NewRoster()
	markets := market.NewMemoryPrimitive(clients, market.WithClock(clock), market.WithReputation(f.rep))
	f.recorder = events.NewRecorder()
	bus := events.NewBus(events.WithTransports(f.recorder))
	control := hosted.NewControl(ratelimit.New(limits, ratelimit.WithClock(clock)))

	e, err := New(cfg, Components{
		Ledger:     f.ledger,
		Clients:    clients,
		Markets:    markets,
		Wallets:    wallets,
		Roster:     roster,
		Reputation: f.rep,
		Goals:      goal.NewEngine(f.cog, goal.WithClock(clock)),
		Executor:   executor.New(markets, wallets, roster, f.rep, bus, executor.WithClock(clock)),
		Dispute:    dispute.New(markets, wallets, roster, f.rep, bus, dispute.WithClock(clock), dispute.WithVoterFilter(control.Eligible)),
		Hosted:     control,
		Bus:        bus,
	}, WithClock(clock))
	require.NoError(t, err)
	return e
}

func baseConfig(population int) Config {
	return Config{
		Enabled:          true,
		TickInterval:     time.Hour,
		TargetPopulation: population,
		InitialBankroll:  decimal.NewFromInt(500),
		Strategies:       []string{"momentum", "contrarian"},
	}
}

func TestNewRejectsMissingComponents(t *testing.T) {
	_, err := New(baseConfig(1), Components{})
	require.Error(t, err)
	assert.Equal(t, xerrors.ClassFatal, xerrors.ClassOf(err))
}

func TestTickPopulatesRoster(t *testing.T) {
	f := newFixture(t, baseConfig(3), ratelimit.Config{})
	ctx := context.Background()

	ran, err := f.engine.Tick(ctx)
	require.True(t, ran)
	require.NoError(t, err)

	status := f.engine.Status(ctx)
	assert.Equal(t, uint64(1), status.TickCount)
	assert.Equal(t, 3, status.Counts.Agents)
	assert.Equal(t, 3, status.Counts.Goals[goal.StatusInProgress])
	assert.Empty(t, status.LastError)
	assert.Len(t, f.recorder.Named(events.AgentJoined), 3)
	assert.Len(t, f.recorder.Named(events.EngineTickCompleted), 1)

	strategies := map[string]int{}
	for _, a := range f.engine.c.Roster.List() {
		strategies[a.Strategy]++
		assert.True(t, a.Bankroll.Equal(decimal.NewFromInt(500)))
	}
	assert.Equal(t, map[string]int{"momentum": 2, "contrarian": 1}, strategies)

	// 种群已满时不再补足。
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.engine.c.Roster.Len())
}

func TestHostedAgentsDoNotCountTowardPopulation(t *testing.T) {
	f := newFixture(t, baseConfig(2), ratelimit.Config{})
	ctx := context.Background()

	a, creds, err := f.engine.Join(ctx, JoinRequest{Name: "desk", Hosted: true, Owner: "acme"})
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, agent.ModeHosted, a.Mode)
	require.NoError(t, f.engine.Authenticate(*creds))

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.engine.c.Roster.Len())
	// 未启动的托管智能体不参与规划。
	assert.Equal(t, 2, f.cog.Calls())
}

func TestWalletStoreOutageKeepsAgentsAndSweeps(t *testing.T) {
	cfg := baseConfig(2)
	f := newFixture(t, cfg, ratelimit.Config{})
	mem, err := wallet.NewMemoryStore("")
	require.NoError(t, err)
	flaky := &flakyWalletStore{MemoryStore: mem}
	f.store = flaky
	f.engine = f.build(t, cfg, ratelimit.Config{})
	ctx := context.Background()

	desk, _, err := f.engine.Join(ctx, JoinRequest{Name: "desk", Hosted: true})
	require.NoError(t, err)
	require.NoError(t, f.engine.StartHosted(ctx, desk.ID))
	created, err := f.engine.CreateMarketAsAgent(ctx, desk.ID, cognition.CreateMarketParams{
		Question: "Will it rain?",
		Outcomes: []string{"YES", "NO"},
		Duration: 5 * time.Minute,
	})
	require.NoError(t, err)
	before := f.ledger.Total()

	flaky.setFailing(true)
	f.now = f.now.Add(10 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := f.engine.Tick(ctx)
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	}

	// 开过户的智能体照常入册，不会每个 tick 重复开户。
	assert.Equal(t, 2, f.engine.c.Roster.CountByMode()[agent.ModeAutonomous])
	assert.Equal(t, 2, f.engine.c.Wallets.Len(wallet.KindAgent))
	assert.True(t, f.ledger.Total().Equal(before.Add(decimal.NewFromInt(1000))), "ledger total %s", f.ledger.Total())
	assert.Len(t, f.recorder.Named(events.EngineTickFailed), 3)

	// 存储故障期间截止市场扫描仍在执行。
	m, err := f.engine.c.Markets.Get(ctx, created.MarketID)
	require.NoError(t, err)
	assert.NotNil(t, m.SelfAttestation)

	flaky.setFailing(false)
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	snap, err := mem.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Wallets, 4)
}

func TestTickIsSingleFlight(t *testing.T) {
	f := newFixture(t, baseConfig(1), ratelimit.Config{})
	f.cog.entered = make(chan struct{}, 1)
	f.cog.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan bool)
	go func() {
		ran, _ := f.engine.Tick(ctx)
		done <- ran
	}()
	<-f.cog.entered

	ran, err := f.engine.Tick(ctx)
	assert.False(t, ran)
	assert.NoError(t, err)
	assert.True(t, f.engine.Status(ctx).Running)

	close(f.cog.release)
	assert.True(t, <-done)
	assert.Equal(t, uint64(1), f.engine.Status(ctx).TickCount)
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	f := newFixture(t, baseConfig(1), ratelimit.Config{})
	f.cog.entered = make(chan struct{}, 1)
	f.cog.release = make(chan struct{})
	ctx := context.Background()

	tickDone := make(chan struct{})
	go func() {
		_, _ = f.engine.Tick(ctx)
		close(tickDone)
	}()
	<-f.cog.entered

	stopped := make(chan error, 1)
	go func() { stopped <- f.engine.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.cog.release)
	<-tickDone
	require.NoError(t, <-stopped)

	ran, err := f.engine.Tick(ctx)
	assert.False(t, ran)
	assert.NoError(t, err)
	assert.Len(t, f.recorder.Named(events.EngineTickCompleted), 1)
}

func TestBackoffBoundsFailingAgent(t *testing.T) {
	f := newFixture(t, baseConfig(1), ratelimit.Config{})
	f.cog.goalErr = stdErrors.New("model offline")
	ctx := context.Background()

	var acted []int
	for tick := 1; tick <= 40; tick++ {
		before := f.cog.Calls()
		_, err := f.engine.Tick(ctx)
		require.NoError(t, err)
		if f.cog.Calls() > before {
			acted = append(acted, tick)
		}
	}

	assert.Equal(t, []int{1, 2, 3, 6, 8, 10, 12, 14, 16, 18, 20, 30, 40}, acted)
	assert.Len(t, f.recorder.Named(events.AgentActionFailed), len(acted))
	assert.Equal(t, 1, f.engine.Status(ctx).Counts.Backoff)
}

func TestScenarioDHostedRateLimit(t *testing.T) {
	f := newFixture(t, baseConfig(0), ratelimit.Config{MaxPerMinute: 2})
	ctx := context.Background()

	a, _, err := f.engine.Join(ctx, JoinRequest{Name: "hosted-1", Hosted: true})
	require.NoError(t, err)

	create := cognition.CreateMarketParams{Question: "Will it rain?", Outcomes: []string{"YES", "NO"}}
	_, err = f.engine.CreateMarketAsAgent(ctx, a.ID, create)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err), "inactive hosted agent must be refused")

	require.NoError(t, f.engine.StartHosted(ctx, a.ID))
	for i := 0; i < 2; i++ {
		_, err = f.engine.CreateMarketAsAgent(ctx, a.ID, create)
		require.NoError(t, err)
	}
	_, err = f.engine.CreateMarketAsAgent(ctx, a.ID, create)
	assert.Equal(t, xerrors.CodeRateLimited, xerrors.CodeOf(err))
	assert.Len(t, f.recorder.Named(events.MarketCreated), 2)

	f.now = f.now.Add(61 * time.Second)
	_, err = f.engine.CreateMarketAsAgent(ctx, a.ID, create)
	require.NoError(t, err)

	require.NoError(t, f.engine.SuspendHosted(ctx, a.ID, "manual review"))
	f.now = f.now.Add(61 * time.Second)
	_, err = f.engine.CreateMarketAsAgent(ctx, a.ID, create)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	status := f.engine.Status(ctx)
	assert.Equal(t, 0, status.Counts.HostedActive)
	assert.Equal(t, 1, status.Counts.HostedSuspended)
	assert.Equal(t, 3, status.Counts.Markets[string(market.StatusOpen)])
}

func TestMessageReachesNextPlanning(t *testing.T) {
	f := newFixture(t, baseConfig(1), ratelimit.Config{})
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	id := f.engine.c.Roster.List()[0].ID

	require.NoError(t, f.engine.Message(ctx, id, "ops", "focus on weather markets"))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(f.engine.Message(ctx, "missing", "ops", "hello")))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(f.engine.Message(ctx, id, "ops", "  ")))

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)

	f.cog.mu.Lock()
	messages := f.cog.messages
	f.cog.mu.Unlock()
	require.Len(t, messages, 2)
	assert.Empty(t, messages[0])
	assert.Equal(t, []string{"ops: focus on weather markets"}, messages[1])
	assert.Empty(t, f.engine.c.Roster.DrainInbox(id))
	assert.Len(t, f.recorder.Named(events.AgentMessage), 1)
}

func TestAssignGoalReplacesPlanning(t *testing.T) {
	f := newFixture(t, baseConfig(0), ratelimit.Config{})
	ctx := context.Background()

	a, _, err := f.engine.Join(ctx, JoinRequest{Name: "manual", Strategy: "oracle"})
	require.NoError(t, err)
	assert.Equal(t, "oracle", a.Strategy)

	_, err = f.engine.AssignGoal("missing", "anything")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	g, err := f.engine.AssignGoal(a.ID, "关注天气市场")
	require.NoError(t, err)
	assert.Equal(t, goal.StatusPending, g.Status)

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	// 已指定目标时不再向认知服务索取目标。
	assert.Equal(t, 0, f.cog.Calls())
	current, ok := f.engine.c.Goals.Current(a.ID)
	require.True(t, ok)
	assert.Equal(t, goal.StatusInProgress, current.Status)
}

func TestRestoreRebuildsRosterFromWallets(t *testing.T) {
	f := newFixture(t, baseConfig(2), ratelimit.Config{})
	ctx := context.Background()
	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, f.engine.Stop())

	restarted := f.build(t, baseConfig(2), ratelimit.Config{})
	require.NoError(t, restarted.Restore(ctx))
	assert.Equal(t, 2, restarted.c.Roster.Len())
	for _, a := range restarted.c.Roster.List() {
		assert.NotEmpty(t, a.Account)
		assert.True(t, a.Bankroll.Equal(decimal.NewFromInt(500)))
	}

	_, err = restarted.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.c.Roster.Len())
	assert.Empty(t, f.recorder.Named(events.AgentJoined))
}
