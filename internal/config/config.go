package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

// Config 描述了 agentmarketd 在启动阶段需要加载的全部配置。
type Config struct {
	Logging     logger.Config     `mapstructure:"logging"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Goal        GoalConfig        `mapstructure:"goal"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Dispute     DisputeConfig     `mapstructure:"dispute"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Market      MarketConfig      `mapstructure:"market"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Cognition   CognitionConfig   `mapstructure:"cognition"`
	Events      EventsConfig      `mapstructure:"events"`
	WalletStore WalletStoreConfig `mapstructure:"wallet_store"`
	Reputation  ReputationConfig  `mapstructure:"reputation"`
	Sentiment   SentimentConfig   `mapstructure:"sentiment"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
}

// EngineConfig 控制 tick 调度与智能体种群规模。
type EngineConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	TargetPopulation int           `mapstructure:"target_population"`
	InitialBankroll  float64       `mapstructure:"initial_bankroll"`
	Strategies       []string      `mapstructure:"strategies"`
	NamePrefix       string        `mapstructure:"name_prefix"`
}

// GoalConfig 控制目标生命周期与失败退避。
type GoalConfig struct {
	BackoffThreshold int           `mapstructure:"backoff_threshold"`
	BackoffCap       int           `mapstructure:"backoff_cap"`
	CognitionTimeout time.Duration `mapstructure:"cognition_timeout"`
}

// ExecutorConfig 约束动作参数的上下限。
type ExecutorConfig struct {
	MinStake            float64       `mapstructure:"min_stake"`
	MaxStake            float64       `mapstructure:"max_stake"`
	MinOrderSize        float64       `mapstructure:"min_order_size"`
	MaxOrderSize        float64       `mapstructure:"max_order_size"`
	MinPrice            float64       `mapstructure:"min_price"`
	MaxPrice            float64       `mapstructure:"max_price"`
	BootstrapStake      float64       `mapstructure:"bootstrap_stake"`
	ParticipationReward float64       `mapstructure:"participation_reward"`
	MinMarketDuration   time.Duration `mapstructure:"min_market_duration"`
	MaxMarketDuration   time.Duration `mapstructure:"max_market_duration"`
	EscrowFunding       float64       `mapstructure:"escrow_funding"`
}

// DisputeConfig 描述预言机投票与信誉反馈的可调参数。
type DisputeConfig struct {
	MinReputation                float64       `mapstructure:"min_reputation"`
	MinVoters                    int           `mapstructure:"min_voters"`
	QuorumPercent                float64       `mapstructure:"quorum_percent"`
	ChallengeWindow              time.Duration `mapstructure:"challenge_window"`
	ProactiveChallengeConfidence float64       `mapstructure:"proactive_challenge_confidence"`
	MinVoteConfidence            float64       `mapstructure:"min_vote_confidence"`
	CorrectVoteDelta             float64       `mapstructure:"correct_vote_delta"`
	IncorrectVoteDelta           float64       `mapstructure:"incorrect_vote_delta"`
	OverturnedAttesterDelta      float64       `mapstructure:"overturned_attester_delta"`
	OperatorAgent                string        `mapstructure:"operator_agent"`
}

// RateLimitConfig 描述托管智能体的限流参数。
type RateLimitConfig struct {
	MinInterval  time.Duration `mapstructure:"min_interval"`
	MaxPerMinute int           `mapstructure:"max_per_minute"`
}

// MarketConfig 配置内置的市场原语。
type MarketConfig struct {
	QuorumVotes int `mapstructure:"quorum_votes"`
}

// LedgerConfig 描述账本客户端。
type LedgerConfig struct {
	Driver         string `mapstructure:"driver"`
	ChainConfig    string `mapstructure:"chain_config"`
	DefaultChain   string `mapstructure:"default_chain"`
	RPCURL         string `mapstructure:"rpc_url"`
	TreasuryKey    string `mapstructure:"treasury_key"`
	TreasuryKeyEnv string `mapstructure:"treasury_key_env"`
	Decimals       int32  `mapstructure:"decimals"`
}

// CognitionConfig 用于配置目标与动作规划的调用方式。
type CognitionConfig struct {
	Provider string             `mapstructure:"provider"`
	OpenAI   OpenAIConfig       `mapstructure:"openai"`
	Python   PythonBridgeConfig `mapstructure:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成规划时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `mapstructure:"python_executable"`
	ScriptPath       string `mapstructure:"script_path"`
	WorkingDir       string `mapstructure:"working_dir"`
}

// EventsConfig 选择事件总线实现。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Durable  bool   `mapstructure:"durable"`
}

// WalletStoreConfig 描述钱包快照的持久化后端。
type WalletStoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// ReputationConfig 描述信誉证明的存储。
type ReputationConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// SentimentConfig 指定情绪提示的数据来源。
type SentimentConfig struct {
	Source     string `mapstructure:"source"`
	MaxResults int    `mapstructure:"max_results"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// EnvPrefix 是覆盖配置项的环境变量前缀，例如 AGENTMARKET_ENGINE_TICK_INTERVAL。
const EnvPrefix = "AGENTMARKET"

// Load 解析指定路径的 YAML 配置文件；路径为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, fmt.Errorf("配置文件不存在: %w", err)
			}
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解码配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.enabled", true)
	v.SetDefault("engine.tick_interval", 15*time.Second)
	v.SetDefault("engine.target_population", 8)
	v.SetDefault("engine.initial_bankroll", 1000.0)
	v.SetDefault("engine.strategies", []string{"contrarian", "momentum", "market_maker", "oracle"})
	v.SetDefault("engine.name_prefix", "agent")

	v.SetDefault("goal.backoff_threshold", 3)
	v.SetDefault("goal.backoff_cap", 10)
	v.SetDefault("goal.cognition_timeout", 30*time.Second)

	v.SetDefault("executor.min_stake", 1.0)
	v.SetDefault("executor.max_stake", 100.0)
	v.SetDefault("executor.min_order_size", 1.0)
	v.SetDefault("executor.max_order_size", 250.0)
	v.SetDefault("executor.min_price", 0.01)
	v.SetDefault("executor.max_price", 0.99)
	v.SetDefault("executor.bootstrap_stake", 2.0)
	v.SetDefault("executor.participation_reward", 0.75)
	v.SetDefault("executor.min_market_duration", 10*time.Minute)
	v.SetDefault("executor.max_market_duration", 7*24*time.Hour)
	v.SetDefault("executor.escrow_funding", 0.0)

	v.SetDefault("dispute.min_reputation", 60.0)
	v.SetDefault("dispute.min_voters", 3)
	v.SetDefault("dispute.quorum_percent", 0.5)
	v.SetDefault("dispute.challenge_window", 2*time.Minute)
	v.SetDefault("dispute.proactive_challenge_confidence", 0.65)
	v.SetDefault("dispute.min_vote_confidence", 0.3)
	v.SetDefault("dispute.correct_vote_delta", 5.0)
	v.SetDefault("dispute.incorrect_vote_delta", -5.0)
	v.SetDefault("dispute.overturned_attester_delta", -8.0)

	v.SetDefault("rate_limit.min_interval", 5*time.Second)
	v.SetDefault("rate_limit.max_per_minute", 6)

	v.SetDefault("market.quorum_votes", 3)

	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.decimals", 18)

	v.SetDefault("cognition.provider", "heuristic")
	v.SetDefault("cognition.openai.model", "gpt-4o-mini")
	v.SetDefault("cognition.openai.timeout", 60*time.Second)

	v.SetDefault("events.driver", "memory")
	v.SetDefault("wallet_store.driver", "memory")
	v.SetDefault("reputation.driver", "memory")
	v.SetDefault("sentiment.max_results", 3)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并解析相对路径。
func (c *Config) applyDefaults(baseDir string) {
	if c.Engine.TickInterval <= 0 {
		c.Engine.TickInterval = 15 * time.Second
	}
	if c.Goal.BackoffThreshold <= 0 {
		c.Goal.BackoffThreshold = 3
	}
	if c.Goal.BackoffCap <= 0 {
		c.Goal.BackoffCap = 10
	}
	if c.Dispute.MinVoters <= 0 {
		c.Dispute.MinVoters = 1
	}
	if c.Market.QuorumVotes <= 0 {
		c.Market.QuorumVotes = c.Dispute.MinVoters
	}
	if c.Cognition.Python.PythonExecutable == "" {
		c.Cognition.Python.PythonExecutable = "python3"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	c.Cognition.Python.WorkingDir = resolve(baseDir, c.Cognition.Python.WorkingDir, "")
	if c.Ledger.ChainConfig != "" {
		c.Ledger.ChainConfig = resolve(baseDir, c.Ledger.ChainConfig, "")
	}
	if c.Sentiment.Source != "" {
		c.Sentiment.Source = resolve(baseDir, c.Sentiment.Source, "")
	}
	if c.Reputation.Driver == "sqlite" && c.Reputation.Path == "" {
		c.Reputation.Path = filepath.Join(c.Runtime.DataDir, "reputation.db")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		if fallback == "" {
			return baseDir
		}
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查构造阶段即可发现的配置错误，例如缺失的账本凭证。
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Engine.TargetPopulation < 0 {
		return invalid("engine.target_population 不能为负数")
	}
	if c.Executor.MinStake > c.Executor.MaxStake {
		return invalid("executor.min_stake 不能大于 max_stake")
	}
	if c.Executor.MinPrice <= 0 || c.Executor.MaxPrice >= 1 || c.Executor.MinPrice > c.Executor.MaxPrice {
		return invalid("executor 价格区间必须位于 (0,1) 内")
	}
	if c.Dispute.QuorumPercent < 0 || c.Dispute.QuorumPercent > 1 {
		return invalid("dispute.quorum_percent 必须位于 [0,1]")
	}
	if c.RateLimit.MaxPerMinute < 0 {
		return invalid("rate_limit.max_per_minute 不能为负数")
	}

	switch c.Ledger.Driver {
	case "memory":
	case "evm":
		if c.TreasuryKey() == "" {
			return invalid("evm 账本需要配置 treasury_key 或 treasury_key_env")
		}
		if c.Ledger.ChainConfig == "" && c.Ledger.RPCURL == "" {
			return invalid("evm 账本需要配置 chain_config 或 rpc_url")
		}
	default:
		return invalid("未知的账本驱动: %s", c.Ledger.Driver)
	}

	switch c.Cognition.Provider {
	case "heuristic", "python_bridge":
	case "openai":
		if c.OpenAIKey() == "" {
			return invalid("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
	default:
		return invalid("未知的规划 provider: %s", c.Cognition.Provider)
	}

	switch c.Events.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return invalid("未知的事件总线驱动: %s", c.Events.Driver)
	}
	switch c.WalletStore.Driver {
	case "memory", "mysql", "redis":
	default:
		return invalid("未知的钱包存储驱动: %s", c.WalletStore.Driver)
	}
	if c.WalletStore.Driver == "mysql" && strings.TrimSpace(c.WalletStore.DSN) == "" {
		return invalid("mysql 钱包存储需要配置 dsn")
	}
	switch c.Reputation.Driver {
	case "memory", "sqlite":
	default:
		return invalid("未知的信誉存储驱动: %s", c.Reputation.Driver)
	}
	return nil
}

// TreasuryKey 返回账本金库私钥，优先读取配置，其次读取环境变量。
func (c *Config) TreasuryKey() string {
	if key := strings.TrimSpace(c.Ledger.TreasuryKey); key != "" {
		return key
	}
	if c.Ledger.TreasuryKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.Ledger.TreasuryKeyEnv))
	}
	return ""
}

// OpenAIKey 返回 OpenAI API Key，优先读取配置，其次读取环境变量。
func (c *Config) OpenAIKey() string {
	if key := strings.TrimSpace(c.Cognition.OpenAI.APIKey); key != "" {
		return key
	}
	if c.Cognition.OpenAI.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.Cognition.OpenAI.APIKeyEnv))
	}
	return ""
}
