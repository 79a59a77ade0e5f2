package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"EgoMarket/internal/antigaming"
	"EgoMarket/internal/auth"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/reputation"
	"EgoMarket/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "EGOMARKET_CONFIG"

// Config 描述了 EgoMarket 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	EventLog   EventLogConfig   `json:"event_log"`
	Ledger     LedgerConfig     `json:"ledger"`
	Escrow     EscrowConfig     `json:"escrow"`
	Reputation ReputationConfig `json:"reputation"`
	AntiGaming AntiGamingConfig `json:"antigaming"`
	Notify     NotifyConfig     `json:"notify"`
	Mint       MintConfig       `json:"mint"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// AuthConfig 描述 HTTP 接口的认证方式。
type AuthConfig struct {
	Mode   string            `json:"mode"`
	Tokens []StaticTokenSpec `json:"tokens"`
	JWT    JWTConfig         `json:"jwt"`
}

// StaticTokenSpec 把预共享令牌映射到账号。
type StaticTokenSpec struct {
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Subject     string   `json:"subject"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// JWTConfig 描述本地签发 JWT 的参数。
type JWTConfig struct {
	Secret           string   `json:"secret"`
	SecretEnv        string   `json:"secret_env"`
	Issuer           string   `json:"issuer"`
	Audience         []string `json:"audience"`
	AccessTTLSeconds int64    `json:"access_ttl_seconds"`
}

// StorageConfig 选择任务与代理数据的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EventLogConfig 选择审计事件链的存储后端。
type EventLogConfig struct {
	Driver   string         `json:"driver"`
	Postgres PostgresConfig `json:"postgres"`
}

// PostgresConfig 描述 pgx 连接池。
type PostgresConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
	MinConns int32  `json:"min_conns"`
}

// LedgerConfig 描述账本节点与托管合约参数。
type LedgerConfig struct {
	Driver          string `json:"driver"`
	NodeConfig      string `json:"node_config"`
	DefaultNode     string `json:"default_node"`
	RPCURL          string `json:"rpc_url"`
	ContractAddress string `json:"contract_address"`
	FeeAddress      string `json:"fee_address"`
	NetworkFee      uint64 `json:"network_fee"`
	ProtocolFeeBps  uint64 `json:"protocol_fee_bps"`
	// FaucetCoins 仅在 memory 驱动下为 Faucet 列出的地址预置余额。
	FaucetCoins uint64   `json:"faucet_coins"`
	Faucet      []string `json:"faucet"`
}

// EscrowConfig 描述各步骤时限与延迟任务节奏。
type EscrowConfig struct {
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `json:"read_timeout_seconds"`
	SubmitTimeoutSeconds  int `json:"submit_timeout_seconds"`
	PollIntervalSeconds   int `json:"poll_interval_seconds"`
	SignWindowSeconds     int `json:"sign_window_seconds"`
	ReadbackRetries       int `json:"readback_retries"`
	ConflictRetries       int `json:"conflict_retries"`
	SettleDelaySeconds    int `json:"settle_delay_seconds"`
	MintBackoffSeconds    int `json:"mint_backoff_seconds"`
	ReconcileEverySeconds int `json:"reconcile_every_seconds"`
	ReconcileLimit        int `json:"reconcile_limit"`
	// AgentMayDispute 允许被指派的代理发起争议。
	AgentMayDispute bool `json:"agent_may_dispute"`
}

// ReputationConfig 覆盖等级表与考察期规则。
type ReputationConfig struct {
	Tiers     map[string]TierLimitsConfig `json:"tiers"`
	Probation ProbationConfig             `json:"probation"`
}

// TierLimitsConfig 描述单个等级的金额上限与托管保留期。
type TierLimitsConfig struct {
	MaxTaskCoins    uint64 `json:"max_task_coins"`
	EscrowHoldHours int    `json:"escrow_hold_hours"`
}

// ProbationConfig 描述新人考察期。
type ProbationConfig struct {
	MinCompletions int     `json:"min_completions"`
	MinRating      float64 `json:"min_rating"`
}

// AntiGamingConfig 描述检测阈值与活动窗口存储。
type AntiGamingConfig struct {
	Store              string             `json:"store"`
	Redis              RedisConfig        `json:"redis"`
	ConcentrationCount int                `json:"concentration_count"`
	VelocityCap        int                `json:"velocity_cap"`
	FarmingCount       int                `json:"farming_count"`
	BombingCount       int                `json:"bombing_count"`
	AnomalyCount       int                `json:"anomaly_count"`
	SuspendThreshold   float64            `json:"suspend_threshold"`
	MonitorThreshold   float64            `json:"monitor_threshold"`
	LogThreshold       float64            `json:"log_threshold"`
	SuspensionHours    int                `json:"suspension_hours"`
	Weights            map[string]float64 `json:"weights"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	Prefix        string `json:"prefix"`
	RetentionDays int    `json:"retention_days"`
}

// NotifyConfig 描述通知投递的目标。
type NotifyConfig struct {
	Sinks             []string       `json:"sinks"`
	Buffer            int            `json:"buffer"`
	Redis             RedisConfig    `json:"redis"`
	RabbitMQ          RabbitMQConfig `json:"rabbitmq"`
	OperatorRecipient string         `json:"operator_recipient"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
}

// MintConfig 描述完成任务后的 EGO 铸造。
type MintConfig struct {
	ServiceKeyEnv string `json:"service_key_env"`
	Token         string `json:"token"`
	BoxValue      uint64 `json:"box_value"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 从 EGOMARKET_CONFIG 指向的文件加载配置，未设置时使用
// configs/egomarket.json。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		path = filepath.Join("configs", "egomarket.json")
	}
	return Load(path)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "data", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.EventLog.Driver == "" {
		c.EventLog.Driver = "memory"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.NodeConfig != "" && !filepath.IsAbs(c.Ledger.NodeConfig) {
		c.Ledger.NodeConfig = filepath.Join(baseDir, c.Ledger.NodeConfig)
	}

	if c.AntiGaming.Store == "" {
		c.AntiGaming.Store = "memory"
	}

	if len(c.Notify.Sinks) == 0 {
		c.Notify.Sinks = []string{"log"}
	}
	if c.Notify.Buffer <= 0 {
		c.Notify.Buffer = 256
	}
	if c.Notify.OperatorRecipient == "" {
		c.Notify.OperatorRecipient = "operators"
	}

	if c.Mint.ServiceKeyEnv == "" {
		c.Mint.ServiceKeyEnv = "EGOMARKET_SERVICE_KEY"
	}
}

// Validate 检查驱动取值与驱动所需的连接参数。
func (c *Config) Validate() error {
	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		return errors.New("storage.mysql.dsn 不能为空")
	}
	if err := oneOf("event_log.driver", c.EventLog.Driver, "memory", "postgres"); err != nil {
		return err
	}
	if c.EventLog.Driver == "postgres" && strings.TrimSpace(c.EventLog.Postgres.DSN) == "" {
		return errors.New("event_log.postgres.dsn 不能为空")
	}
	if err := oneOf("ledger.driver", c.Ledger.Driver, "memory", "rpc"); err != nil {
		return err
	}
	if c.Ledger.Driver == "rpc" && c.Ledger.NodeConfig == "" && c.Ledger.RPCURL == "" {
		return errors.New("ledger.rpc 需要配置 node_config 或 rpc_url")
	}
	if c.Ledger.ProtocolFeeBps > 10_000 {
		return fmt.Errorf("ledger.protocol_fee_bps 超出范围: %d", c.Ledger.ProtocolFeeBps)
	}
	if err := oneOf("antigaming.store", c.AntiGaming.Store, "memory", "redis"); err != nil {
		return err
	}
	if c.AntiGaming.Store == "redis" && c.AntiGaming.Redis.Address == "" {
		return errors.New("antigaming.redis.address 不能为空")
	}
	for _, sink := range c.Notify.Sinks {
		if err := oneOf("notify.sinks", sink, "log", "redis", "rabbitmq"); err != nil {
			return err
		}
	}
	if err := oneOf("auth.mode", strings.ToLower(c.Auth.Mode),
		string(auth.ModeDisabled), string(auth.ModeStatic), string(auth.ModeJWT)); err != nil {
		return err
	}
	for tier := range c.Reputation.Tiers {
		if !knownTier(reputation.Tier(tier)) {
			return fmt.Errorf("reputation.tiers 包含未知等级: %s", tier)
		}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s 取值无效: %q (可选: %s)", field, value, strings.Join(allowed, ", "))
}

func knownTier(t reputation.Tier) bool {
	switch t {
	case reputation.TierNewcomer, reputation.TierRising, reputation.TierEstablished,
		reputation.TierElite, reputation.TierLegendary:
		return true
	}
	return false
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// LoggerConfig 转换为 pkg/logger 的配置。
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: c.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
			Compress:   c.Logging.Audit.Compress,
		},
	}
}

// AuthServiceConfig 转换为认证服务配置，*_env 字段优先从环境变量读取。
func (c *Config) AuthServiceConfig() auth.Config {
	out := auth.Config{
		Mode: auth.Mode(strings.ToLower(c.Auth.Mode)),
		JWT: auth.JWTOptions{
			Secret:    fromEnv(c.Auth.JWT.SecretEnv, c.Auth.JWT.Secret),
			Issuer:    c.Auth.JWT.Issuer,
			Audience:  c.Auth.JWT.Audience,
			AccessTTL: c.Auth.JWT.AccessTTLSeconds,
		},
	}
	for _, t := range c.Auth.Tokens {
		out.Tokens = append(out.Tokens, auth.StaticToken{
			Token:       fromEnv(t.TokenEnv, t.Token),
			Subject:     t.Subject,
			Roles:       t.Roles,
			Permissions: t.Permissions,
			Disabled:    t.Disabled,
		})
	}
	return out
}

func fromEnv(key, fallback string) string {
	if key != "" {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

// EscrowSettings 合并账本与托管配置；零值字段由 escrow 包补默认值。
func (c *Config) EscrowSettings() escrow.Config {
	return escrow.Config{
		ContractAddress: c.Ledger.ContractAddress,
		FeeAddress:      c.Ledger.FeeAddress,
		NetworkFee:      c.Ledger.NetworkFee,
		ProtocolFeeBps:  c.Ledger.ProtocolFeeBps,

		ConnectTimeout:  seconds(c.Escrow.ConnectTimeoutSeconds),
		ReadTimeout:     seconds(c.Escrow.ReadTimeoutSeconds),
		SubmitTimeout:   seconds(c.Escrow.SubmitTimeoutSeconds),
		PollInterval:    seconds(c.Escrow.PollIntervalSeconds),
		ReadbackRetries: c.Escrow.ReadbackRetries,
		ConflictRetries: c.Escrow.ConflictRetries,

		SettleDelay:    seconds(c.Escrow.SettleDelaySeconds),
		MintBackoff:    seconds(c.Escrow.MintBackoffSeconds),
		MintToken:      c.Mint.Token,
		MintBoxValue:   c.Mint.BoxValue,
		ReconcileEvery: seconds(c.Escrow.ReconcileEverySeconds),
		ReconcileLimit: c.Escrow.ReconcileLimit,
	}
}

// SignWindow 返回远程签名会话的有效期，未配置时为零。
func (c *Config) SignWindow() time.Duration {
	return seconds(c.Escrow.SignWindowSeconds)
}

// ReputationPolicy 在默认等级表上叠加配置中的覆盖项。
func (c *Config) ReputationPolicy() reputation.Policy {
	policy := reputation.DefaultPolicy()
	for name, override := range c.Reputation.Tiers {
		tier := reputation.Tier(name)
		limits := policy.LimitsFor(tier)
		if override.MaxTaskCoins > 0 {
			limits.MaxTaskValue = override.MaxTaskCoins * ledger.NanoPerCoin
		}
		if override.EscrowHoldHours > 0 {
			limits.EscrowHold = time.Duration(override.EscrowHoldHours) * time.Hour
		}
		policy.Limits[tier] = limits
	}
	if c.Reputation.Probation.MinCompletions > 0 {
		policy.Probation.MinCompletions = c.Reputation.Probation.MinCompletions
	}
	if c.Reputation.Probation.MinRating > 0 {
		policy.Probation.MinRating = c.Reputation.Probation.MinRating
	}
	return policy
}

// DetectorConfig 在默认阈值上叠加配置中的覆盖项。
func (c *Config) DetectorConfig() antigaming.Config {
	cfg := antigaming.DefaultConfig()
	ag := c.AntiGaming
	if ag.ConcentrationCount > 0 {
		cfg.ConcentrationCount = ag.ConcentrationCount
	}
	if ag.VelocityCap > 0 {
		cfg.VelocityCap = ag.VelocityCap
	}
	if ag.FarmingCount > 0 {
		cfg.FarmingCount = ag.FarmingCount
	}
	if ag.BombingCount > 0 {
		cfg.BombingCount = ag.BombingCount
	}
	if ag.AnomalyCount > 0 {
		cfg.AnomalyCount = ag.AnomalyCount
	}
	if ag.SuspendThreshold > 0 {
		cfg.SuspendThreshold = ag.SuspendThreshold
	}
	if ag.MonitorThreshold > 0 {
		cfg.MonitorThreshold = ag.MonitorThreshold
	}
	if ag.LogThreshold > 0 {
		cfg.LogThreshold = ag.LogThreshold
	}
	if ag.SuspensionHours > 0 {
		cfg.SuspensionPeriod = time.Duration(ag.SuspensionHours) * time.Hour
	}
	for rule, w := range ag.Weights {
		if w <= 0 {
			continue
		}
		switch rule {
		case antigaming.RuleRatingConcentration:
			cfg.ConcentrationWeight = w
		case antigaming.RuleVelocityLimit:
			cfg.VelocityWeight = w
		case antigaming.RuleScoreFarming:
			cfg.FarmingWeight = w
		case antigaming.RuleVelocityAnomaly:
			cfg.AnomalyWeight = w
		}
	}
	return cfg
}

// ActivityRetention 返回 Redis 活动窗口的保留时长，未配置时为零。
func (c *Config) ActivityRetention() time.Duration {
	return time.Duration(c.AntiGaming.Redis.RetentionDays) * 24 * time.Hour
}
