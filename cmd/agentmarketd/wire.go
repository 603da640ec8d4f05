package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/cognition"
	"AgentMarket/internal/cognition/heuristic"
	"AgentMarket/internal/cognition/openai"
	"AgentMarket/internal/cognition/pythonbridge"
	"AgentMarket/internal/config"
	"AgentMarket/internal/dispute"
	"AgentMarket/internal/engine"
	"AgentMarket/internal/events"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/goal"
	"AgentMarket/internal/hosted"
	"AgentMarket/internal/ledger"
	"AgentMarket/internal/ledger/ethereum"
	"AgentMarket/internal/market"
	"AgentMarket/internal/ratelimit"
	"AgentMarket/internal/reputation"
	"AgentMarket/internal/sentiment"
	"AgentMarket/internal/wallet"
	"AgentMarket/pkg/logger"
)

// runtime 持有组装好的引擎以及需要在退出时关闭的资源。
type runtime struct {
	engine      *engine.Engine
	subscriber  events.Subscriber
	metricsAddr string
	closers     []func() error
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", "error", err)
		}
	}
	if err := logger.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "刷新日志失败: %v\n", err)
	}
}

// build 根据配置选择各组件的驱动并组装引擎。
func build(ctx context.Context, cfg *config.Config) (rt *runtime, err error) {
	rt = &runtime{metricsAddr: cfg.Runtime.MetricsAddr}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}

	led, err := createLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, led.Close)

	cogClient, err := createCognitionClient(cfg)
	if err != nil {
		return nil, err
	}

	walletStore, err := createWalletStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, walletStore.Close)

	repStore, err := createReputationStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, repStore.Close)

	bus, subscriber, err := createEventBus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.subscriber = subscriber

	var hints sentiment.Provider
	if cfg.Sentiment.Source != "" {
		provider, err := sentiment.LoadStaticProvider(cfg.Sentiment.Source, cfg.Sentiment.MaxResults)
		if err != nil {
			return nil, err
		}
		hints = provider
	}

	rep := reputation.NewService(repStore)
	clients := ledger.NewClientCache(led)
	markets := market.NewMemoryPrimitive(clients,
		market.WithQuorum(cfg.Market.QuorumVotes),
		market.WithChallengeWindow(cfg.Dispute.ChallengeWindow),
		market.WithReputation(rep))
	wallets := wallet.NewRegistry(led, walletStore)
	roster := agent.NewRoster()
	control := hosted.NewControl(ratelimit.New(ratelimit.Config{
		MinInterval:  cfg.RateLimit.MinInterval,
		MaxPerMinute: cfg.RateLimit.MaxPerMinute,
	}))
	goals := goal.NewEngine(cogClient,
		goal.WithCognitionTimeout(cfg.Goal.CognitionTimeout),
		goal.WithBackoff(cfg.Goal.BackoffThreshold, cfg.Goal.BackoffCap))
	exec := executor.New(markets, wallets, roster, rep, bus, executor.WithLimits(limitsFrom(cfg.Executor)))
	resolver := dispute.New(markets, wallets, roster, rep, bus,
		dispute.WithConfig(disputeConfigFrom(cfg.Dispute)),
		dispute.WithVoterFilter(control.Eligible))

	eng, err := engine.New(engine.Config{
		Enabled:          cfg.Engine.Enabled,
		TickInterval:     cfg.Engine.TickInterval,
		TargetPopulation: cfg.Engine.TargetPopulation,
		InitialBankroll:  decimal.NewFromFloat(cfg.Engine.InitialBankroll),
		Strategies:       cfg.Engine.Strategies,
		NamePrefix:       cfg.Engine.NamePrefix,
	}, engine.Components{
		Ledger:     led,
		Clients:    clients,
		Markets:    markets,
		Wallets:    wallets,
		Roster:     roster,
		Reputation: rep,
		Goals:      goals,
		Executor:   exec,
		Dispute:    resolver,
		Hosted:     control,
		Bus:        bus,
		Sentiment:  hints,
	})
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	rt.engine = eng
	return rt, nil
}

func createLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), nil
	case "evm":
		return ethereum.Open(ctx, cfg.Ledger.ChainConfig, cfg.Ledger.DefaultChain, cfg.Ledger.RPCURL, cfg.TreasuryKey(), cfg.Ledger.Decimals)
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func createCognitionClient(cfg *config.Config) (cognition.Client, error) {
	switch cfg.Cognition.Provider {
	case "", "heuristic":
		return heuristic.New(), nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAIKey(),
			BaseURL: cfg.Cognition.OpenAI.BaseURL,
			Model:   cfg.Cognition.OpenAI.Model,
			Timeout: cfg.Cognition.OpenAI.Timeout,
		})
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Cognition.Python.WorkingDir, cfg.Cognition.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Cognition.Python.PythonExecutable, script, cfg.Cognition.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的规划 provider: %s", cfg.Cognition.Provider)
	}
}

func createWalletStore(ctx context.Context, cfg *config.Config) (wallet.Store, error) {
	switch cfg.WalletStore.Driver {
	case "", "memory":
		return wallet.NewMemoryStore(cfg.Runtime.DataDir)
	case "mysql":
		store, err := wallet.NewMySQLStore(ctx, wallet.MySQLConfig{
			DSN:             cfg.WalletStore.DSN,
			MaxOpenConns:    cfg.WalletStore.MaxOpenConns,
			MaxIdleConns:    cfg.WalletStore.MaxIdleConns,
			ConnMaxLifetime: cfg.WalletStore.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := wallet.NewRedisStore(wallet.RedisConfig{
			Address:  cfg.WalletStore.Redis.Address,
			Password: cfg.WalletStore.Redis.Password,
			DB:       cfg.WalletStore.Redis.DB,
			Key:      cfg.WalletStore.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的钱包存储驱动: %s", cfg.WalletStore.Driver)
	}
}

func createReputationStore(ctx context.Context, cfg *config.Config) (reputation.Store, error) {
	switch cfg.Reputation.Driver {
	case "", "memory":
		return reputation.NewMemoryStore(), nil
	case "sqlite":
		return reputation.OpenSQLite(ctx, cfg.Reputation.Path)
	default:
		return nil, fmt.Errorf("未知的信誉存储驱动: %s", cfg.Reputation.Driver)
	}
}

// createEventBus 返回事件总线与外部事件的订阅端。
// 外部传输支持订阅时从传输订阅，否则订阅本地总线。
func createEventBus(ctx context.Context, cfg *config.Config) (*events.Bus, events.Subscriber, error) {
	var transport events.Transport
	switch cfg.Events.Driver {
	case "", "memory":
	case "redis":
		t, err := events.NewRedisTransport(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		transport = t
	case "rabbitmq":
		t, err := events.NewRabbitMQTransport(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		transport = t
	default:
		return nil, nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}

	if transport == nil {
		bus := events.NewBus()
		return bus, bus, nil
	}
	bus := events.NewBus(events.WithTransports(transport))
	if sub, ok := transport.(events.Subscriber); ok {
		return bus, sub, nil
	}
	return bus, bus, nil
}

func limitsFrom(c config.ExecutorConfig) executor.Limits {
	return executor.Limits{
		MinStake:            decimal.NewFromFloat(c.MinStake),
		MaxStake:            decimal.NewFromFloat(c.MaxStake),
		MinOrderSize:        decimal.NewFromFloat(c.MinOrderSize),
		MaxOrderSize:        decimal.NewFromFloat(c.MaxOrderSize),
		MinPrice:            decimal.NewFromFloat(c.MinPrice),
		MaxPrice:            decimal.NewFromFloat(c.MaxPrice),
		BootstrapStake:      decimal.NewFromFloat(c.BootstrapStake),
		EscrowFunding:       decimal.NewFromFloat(c.EscrowFunding),
		ParticipationReward: c.ParticipationReward,
		MinMarketDuration:   c.MinMarketDuration,
		MaxMarketDuration:   c.MaxMarketDuration,
	}
}

func disputeConfigFrom(c config.DisputeConfig) dispute.Config {
	return dispute.Config{
		MinReputation:                c.MinReputation,
		MinVoters:                    c.MinVoters,
		QuorumPercent:                c.QuorumPercent,
		ChallengeWindow:              c.ChallengeWindow,
		ProactiveChallengeConfidence: c.ProactiveChallengeConfidence,
		MinVoteConfidence:            c.MinVoteConfidence,
		CorrectVoteDelta:             c.CorrectVoteDelta,
		IncorrectVoteDelta:           c.IncorrectVoteDelta,
		OverturnedAttesterDelta:      c.OverturnedAttesterDelta,
		OperatorAgent:                c.OperatorAgent,
	}
}
