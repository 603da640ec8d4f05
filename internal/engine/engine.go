package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/dispute"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/goal"
	"AgentMarket/internal/hosted"
	"AgentMarket/internal/ledger"
	"AgentMarket/internal/market"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/reputation"
	"AgentMarket/internal/sentiment"
	"AgentMarket/internal/wallet"
	"AgentMarket/pkg/logger"
)

// Config 控制调度节奏与种群规模。
type Config struct {
	Enabled          bool
	TickInterval     time.Duration
	TargetPopulation int
	InitialBankroll  decimal.Decimal
	Strategies       []string
	NamePrefix       string
}

// Components 是引擎协调的各个组件。
type Components struct {
	Ledger     ledger.Ledger
	Clients    *ledger.ClientCache
	Markets    market.Primitive
	Wallets    *wallet.Registry
	Roster     *agent.Roster
	Reputation *reputation.Service
	Goals      *goal.Engine
	Executor   *executor.Executor
	Dispute    *dispute.Engine
	Hosted     *hosted.Control
	Bus        *events.Bus
	Sentiment  sentiment.Provider
}

// Counts 汇总运行时的各类数量。
type Counts struct {
	Agents          int                 `json:"agents"`
	HostedActive    int                 `json:"hosted_active"`
	HostedSuspended int                 `json:"hosted_suspended"`
	Markets         map[string]int      `json:"markets"`
	Goals           map[goal.Status]int `json:"goals"`
	Backoff         int                 `json:"backoff"`
}

// Status 是引擎的运行状态。
type Status struct {
	Enabled    bool      `json:"enabled"`
	Running    bool      `json:"running"`
	TickCount  uint64    `json:"tick_count"`
	Counts     Counts    `json:"counts"`
	LastTickAt time.Time `json:"last_tick_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Engine 是单实例的 tick 调度器。同一时刻最多只有一个 tick 在执行。
type Engine struct {
	cfg Config
	c   Components
	now func() time.Time
	log *slog.Logger

	ticking  atomic.Bool
	inflight sync.WaitGroup

	mu         sync.Mutex
	running    bool
	stopped    bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
	tickCount  uint64
	lastTickAt time.Time
	lastError  string
	joined     int

	walletsPending atomic.Bool
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

const defaultTickInterval = 15 * time.Second

// New 创建调度引擎。缺少必要组件时返回配置错误。
func New(cfg Config, c Components, opts ...Option) (*Engine, error) {
	switch {
	case c.Markets == nil, c.Wallets == nil, c.Roster == nil, c.Reputation == nil:
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "缺少市场、钱包、名册或信誉组件")
	case c.Goals == nil, c.Executor == nil, c.Dispute == nil, c.Hosted == nil:
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "缺少目标、执行、裁决或托管组件")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []string{"momentum"}
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "agent"
	}
	e := &Engine{
		cfg: cfg,
		c:   c,
		now: time.Now,
		log: logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Restore 从钱包存储恢复智能体名册与已完成的信誉反馈。
func (e *Engine) Restore(ctx context.Context) error {
	if _, err := e.c.Wallets.Restore(ctx); err != nil {
		return err
	}
	if _, err := e.c.Reputation.Refresh(ctx); err != nil {
		return err
	}
	if err := e.c.Dispute.Restore(ctx); err != nil {
		return err
	}
	restored := 0
	for _, w := range e.c.Wallets.List(wallet.KindAgent) {
		if _, ok := e.c.Roster.Get(w.OwnerID); ok {
			continue
		}
		balance := e.cfg.InitialBankroll
		if e.c.Ledger != nil {
			if b, err := e.c.Ledger.Balance(ctx, w.AccountID); err == nil {
				balance = b
			}
		}
		if err := e.c.Roster.Add(agent.Agent{
			ID:         w.OwnerID,
			Name:       w.Name,
			Account:    w.AccountID,
			Strategy:   w.Strategy,
			Bankroll:   balance,
			Reputation: e.c.Reputation.Score(w.OwnerID),
			Mode:       agent.ModeAutonomous,
			CreatedAt:  w.CreatedAt,
		}); err != nil {
			return err
		}
		restored++
	}
	e.mu.Lock()
	e.joined = e.c.Roster.Len()
	e.mu.Unlock()
	if restored > 0 {
		e.log.Info("已恢复智能体", slog.Int("count", restored))
	}
	return nil
}

// Start 在后台启动调度循环。引擎未启用时直接返回。
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.log.Info("引擎未启用，跳过调度")
		return nil
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "引擎已停止")
	}
	if e.running {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	done := e.loopDone
	e.mu.Unlock()

	go func() {
		defer close(done)
		_ = e.Run(loopCtx)
	}()
	return nil
}

// Run 阻塞执行调度循环，直到 ctx 结束。
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	e.log.Info("调度循环已启动", slog.Duration("interval", e.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Stop 阻止新的 tick，等待进行中的 tick 完成后释放账本客户端缓存与事件总线。
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.running = false
	cancel, done := e.cancel, e.loopDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.inflight.Wait()

	var errs []error
	if e.c.Clients != nil {
		errs = append(errs, e.c.Clients.Close())
	}
	if e.c.Bus != nil {
		errs = append(errs, e.c.Bus.Close())
	}
	e.log.Info("引擎已停止")
	return stdErrors.Join(errs...)
}

// RunTick 立即执行一次 tick，返回 tick 级别的错误。已有 tick 在执行时什么也不做。
func (e *Engine) RunTick(ctx context.Context) error {
	_, err := e.Tick(ctx)
	return err
}

// Tick 执行一次完整的调度：补足种群、推进智能体、扫描截止市场、结算。
// 重入调用直接返回 false。tick 级别的错误被记录并发布，不会终止循环。
func (e *Engine) Tick(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false, nil
	}
	if !e.ticking.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return false, nil
	}
	e.inflight.Add(1)
	e.tickCount++
	tick := e.tickCount
	e.mu.Unlock()

	defer func() {
		e.ticking.Store(false)
		e.inflight.Done()
	}()

	// 停止调度不打断进行中的 tick。
	tickCtx := context.WithoutCancel(ctx)
	started := e.now()
	err := e.safeTick(tickCtx, tick)

	metrics.ObserveTick(e.now().Sub(started), err != nil)

	e.mu.Lock()
	e.lastTickAt = started
	if err != nil {
		e.lastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Error("tick 执行失败", slog.Uint64("tick", tick), slog.Any("error", err))
		e.publish(tickCtx, events.EngineTickFailed, events.Payload{
			"tick":  tick,
			"error": err.Error(),
		})
		return true, err
	}
	e.publish(tickCtx, events.EngineTickCompleted, events.Payload{
		"tick":     tick,
		"duration": e.now().Sub(started).String(),
	})
	return true, nil
}

func (e *Engine) safeTick(ctx context.Context, tick uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("tick panic: %v", r))
		}
	}()
	return e.runTick(ctx, tick)
}

func (e *Engine) runTick(ctx context.Context, tick uint64) error {
	if _, err := e.c.Reputation.Refresh(ctx); err != nil {
		return err
	}
	var errs []error
	if err := e.ensurePopulation(ctx); err != nil {
		errs = append(errs, err)
	}

	// 快照失败只跳过智能体推进，扫描与结算照常执行。
	snapshot, err := e.c.Markets.Snapshot(ctx)
	if err != nil {
		errs = append(errs, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取市场快照失败"))
	} else {
		for _, a := range e.c.Roster.List() {
			e.stepAgent(ctx, a, tick, snapshot)
		}
	}

	now := e.now()
	if report, err := e.c.Dispute.ResolveExpiredMarkets(ctx, now); err != nil {
		errs = append(errs, err)
	} else if report.Examined > 0 {
		e.log.Debug("截止市场扫描完成", slog.Uint64("tick", tick),
			slog.Int("attested", report.Attested), slog.Int("challenged", report.Challenged),
			slog.Int("finalized", report.Finalized), slog.Int("votes", report.Votes))
	}

	report, err := e.c.Dispute.SettleResolvedMarkets(ctx)
	metrics.ObservePayouts(report.Claims, report.Skipped, report.Failed)
	switch {
	case err != nil && xerrors.ClassOf(err) == xerrors.ClassPayout:
		e.log.Warn("部分派奖失败", slog.Uint64("tick", tick), slog.Int("failed", report.Failed), slog.Any("error", err))
	case err != nil:
		errs = append(errs, err)
	}
	return stdErrors.Join(errs...)
}

// Status 返回引擎运行状态。
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	status := Status{
		Enabled:    e.cfg.Enabled,
		Running:    e.running || e.ticking.Load(),
		TickCount:  e.tickCount,
		LastTickAt: e.lastTickAt,
		LastError:  e.lastError,
	}
	e.mu.Unlock()

	active, suspended := e.c.Hosted.Counts()
	status.Counts = Counts{
		Agents:          e.c.Roster.Len(),
		HostedActive:    active,
		HostedSuspended: suspended,
		Markets:         make(map[string]int),
		Goals:           e.c.Goals.Counts(),
		Backoff:         e.c.Goals.BackoffCount(),
	}
	if markets, err := e.c.Markets.Snapshot(ctx); err == nil {
		for _, m := range markets {
			status.Counts.Markets[string(m.Status)]++
		}
	}
	return status
}

func (e *Engine) publish(ctx context.Context, name string, payload events.Payload) {
	if e.c.Bus == nil {
		return
	}
	e.c.Bus.Publish(ctx, name, payload)
}
