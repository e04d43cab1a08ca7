package lottery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// Config 生产环境配置结构
type Config struct {
	// 抽奖协调器配置
	Raffle *RaffleConfig `mapstructure:"raffle"`

	// 随机数预言机配置
	Oracle *OracleConfig `mapstructure:"oracle"`

	// Keeper 配置
	Keeper *KeeperConfig `mapstructure:"keeper"`

	// Redis 配置
	Redis *RedisConfig `mapstructure:"redis"`

	// 快照存储配置
	Store *StoreConfig `mapstructure:"store"`

	// 熔断器配置
	CircuitBreaker *CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// HTTP 服务配置
	Server *ServerConfig `mapstructure:"server"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Raffle == nil || c.Oracle == nil {
		return ErrConfigInvalid.WithDetails("raffle and oracle sections are required")
	}
	if err := c.Raffle.Validate(); err != nil {
		return err
	}
	if err := c.Oracle.Validate(); err != nil {
		return err
	}
	if c.Keeper != nil {
		if err := c.Keeper.Validate(); err != nil {
			return err
		}
	}
	if c.Store != nil {
		switch c.Store.Backend {
		case StoreBackendMemory, "":
		case StoreBackendRedis:
			if c.Redis == nil || c.Redis.Addr == "" {
				return fmt.Errorf("redis address is required for the redis store")
			}
			if c.Redis.PoolSize <= 0 {
				return fmt.Errorf("redis pool size must be positive")
			}
		case StoreBackendBolt:
			if c.Store.BoltPath == "" {
				return fmt.Errorf("bolt path is required for the bolt store")
			}
		default:
			return fmt.Errorf("unknown store backend %q", c.Store.Backend)
		}
	}
	return nil
}

// RaffleConfig 抽奖协调器配置
type RaffleConfig struct {
	// Address 为空时每次启动生成新地址, 快照恢复需要固定地址
	Address              string        `mapstructure:"address"`
	EntranceFee          uint64        `mapstructure:"entrance_fee"`
	Interval             time.Duration `mapstructure:"interval"`
	KeyHash              string        `mapstructure:"key_hash"`
	SubscriptionID       uint64        `mapstructure:"subscription_id"`
	CallbackGasLimit     uint32        `mapstructure:"callback_gas_limit"`
	RequestConfirmations uint16        `mapstructure:"request_confirmations"`
	NumWords             uint32        `mapstructure:"num_words"`
}

// Validate 验证抽奖配置
func (c *RaffleConfig) Validate() error {
	if c.EntranceFee == 0 {
		return ErrInvalidEntranceFee
	}
	if c.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.NumWords == 0 || c.NumWords > MaxNumWords {
		return ErrInvalidNumWords.WithMetadata("num_words", c.NumWords)
	}
	if c.RequestConfirmations > MaxRequestConfirmations {
		return ErrInvalidParameters.WithDetails("request confirmations too high")
	}
	return nil
}

// DefaultRaffleConfig 返回默认抽奖配置 (本地开发网络参数)
func DefaultRaffleConfig() *RaffleConfig {
	return &RaffleConfig{
		EntranceFee:          DefaultEntranceFee,
		Interval:             DefaultInterval,
		KeyHash:              DefaultKeyHash,
		CallbackGasLimit:     DefaultCallbackGasLimit,
		RequestConfirmations: DefaultRequestConfirmations,
		NumWords:             DefaultNumWords,
	}
}

// NewRaffleConfig 创建自定义抽奖配置
func NewRaffleConfig(entranceFee uint64, interval time.Duration, subscriptionID uint64, callbackGasLimit uint32) *RaffleConfig {
	cfg := DefaultRaffleConfig()
	cfg.EntranceFee = entranceFee
	cfg.Interval = interval
	cfg.SubscriptionID = subscriptionID
	cfg.CallbackGasLimit = callbackGasLimit
	return cfg
}

// OracleConfig 随机数预言机配置
type OracleConfig struct {
	Address      string `mapstructure:"address"`
	BaseFee      uint64 `mapstructure:"base_fee"`
	GasPriceLink uint64 `mapstructure:"gas_price_link"`
	Seed         int64  `mapstructure:"seed"`
	FundAmount   uint64 `mapstructure:"fund_amount"`
}

// Validate 验证预言机配置
func (c *OracleConfig) Validate() error {
	if c.BaseFee == 0 && c.GasPriceLink == 0 {
		return ErrInvalidParameters.WithDetails("oracle must charge a base fee or a per-word price")
	}
	return nil
}

// DefaultOracleConfig 返回默认预言机配置
func DefaultOracleConfig() *OracleConfig {
	return &OracleConfig{
		BaseFee:      DefaultBaseFee,
		GasPriceLink: DefaultGasPriceLink,
		FundAmount:   DefaultSubscriptionFund,
	}
}

// KeeperConfig Keeper 配置
type KeeperConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	UseLock        bool          `mapstructure:"use_lock"`
	LockKey        string        `mapstructure:"lock_key"`
	LockExpiration time.Duration `mapstructure:"lock_expiration"`
}

// Validate 验证 keeper 配置
func (c *KeeperConfig) Validate() error {
	if c.PollInterval <= 0 {
		return ErrInvalidParameters.WithDetails("keeper poll interval must be positive")
	}
	if c.UseLock && c.LockKey == "" {
		return ErrInvalidParameters.WithDetails("keeper lock key is required when locking")
	}
	return nil
}

// DefaultKeeperConfig 返回默认 keeper 配置
func DefaultKeeperConfig() *KeeperConfig {
	return &KeeperConfig{
		PollInterval:   DefaultKeeperPollInterval,
		LockKey:        DefaultKeeperLockKey,
		LockExpiration: DefaultLockExpiration,
	}
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接配置
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 连接池配置
	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
	MaxRetries   int `mapstructure:"max_retries"`

	// 超时配置
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// DefaultRedisConfig 返回默认的Redis配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         DefaultRedisAddr,
		Password:     DefaultRedisPassword,
		DB:           DefaultRedisDB,
		PoolSize:     DefaultRedisPoolSize,
		MinIdleConns: DefaultRedisMinIdleConns,
		MaxRetries:   DefaultRedisMaxRetries,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
		PoolTimeout:  DefaultRedisPoolTimeout,
	}
}

// NewRedisClientFromConfig 从配置创建Redis客户端
func NewRedisClientFromConfig(config *RedisConfig) *redis.Client {
	if config == nil {
		config = DefaultRedisConfig()
	}

	return redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolTimeout:  config.PoolTimeout,
	})
}

// StoreConfig 快照存储配置
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	BoltPath      string        `mapstructure:"bolt_path"`
	StateTTL      time.Duration `mapstructure:"state_ttl"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Backend:       StoreBackendMemory,
		BoltPath:      DefaultBoltPath,
		StateTTL:      DefaultStateTTL,
		RetryAttempts: DefaultRetryAttempts,
		RetryInterval: DefaultRetryInterval,
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Name          string        `mapstructure:"name"`
	MaxRequests   uint32        `mapstructure:"max_requests"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FailureRatio  float64       `mapstructure:"failure_ratio"`
	MinRequests   uint32        `mapstructure:"min_requests"`
	OnStateChange bool          `mapstructure:"on_state_change"`
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Enabled:       true,
		Name:          DefaultCircuitBreakerName,
		MaxRequests:   DefaultCircuitBreakerMaxRequests,
		Interval:      DefaultCircuitBreakerInterval,
		Timeout:       DefaultCircuitBreakerTimeout,
		FailureRatio:  DefaultCircuitBreakerFailureRatio,
		MinRequests:   DefaultCircuitBreakerMinRequests,
		OnStateChange: DefaultCircuitBreakerOnStateChange,
	}
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

// DefaultConfig 返回完整的默认配置
func DefaultConfig() *Config {
	return &Config{
		Raffle:         DefaultRaffleConfig(),
		Oracle:         DefaultOracleConfig(),
		Keeper:         DefaultKeeperConfig(),
		Redis:          DefaultRedisConfig(),
		Store:          DefaultStoreConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Server:         &ServerConfig{Addr: DefaultServerAddr},
	}
}

// ConfigManager 配置管理器
type ConfigManager struct {
	mu     sync.RWMutex
	viper  *viper.Viper
	config *Config
}

// NewConfigManager 创建配置管理器
func NewConfigManager() *ConfigManager {
	v := viper.New()

	// 设置配置文件名和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/raffle")
	v.AddConfigPath("$HOME/.raffle")

	// 设置环境变量前缀
	v.SetEnvPrefix("RAFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cm := &ConfigManager{viper: v}
	cm.setDefaults()
	return cm
}

// NewConfigManagerWithFile 创建读取指定配置文件的配置管理器
func NewConfigManagerWithFile(path string) *ConfigManager {
	cm := NewConfigManager()
	cm.viper.SetConfigFile(path)
	return cm
}

// LoadConfig 加载配置
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	if err := cm.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 配置文件不存在时使用默认配置
	}

	config, err := cm.decode()
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	cm.config = config
	cm.mu.Unlock()
	return config, nil
}

// decode 解析并验证配置
func (cm *ConfigManager) decode() (*Config, error) {
	config := &Config{}
	if err := cm.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// setDefaults 设置默认配置值
func (cm *ConfigManager) setDefaults() {
	d := DefaultConfig()

	// 抽奖协调器默认配置
	cm.viper.SetDefault("raffle.address", "")
	cm.viper.SetDefault("raffle.entrance_fee", d.Raffle.EntranceFee)
	cm.viper.SetDefault("raffle.interval", d.Raffle.Interval.String())
	cm.viper.SetDefault("raffle.key_hash", d.Raffle.KeyHash)
	cm.viper.SetDefault("raffle.subscription_id", 0)
	cm.viper.SetDefault("raffle.callback_gas_limit", d.Raffle.CallbackGasLimit)
	cm.viper.SetDefault("raffle.request_confirmations", d.Raffle.RequestConfirmations)
	cm.viper.SetDefault("raffle.num_words", d.Raffle.NumWords)

	// 预言机默认配置
	cm.viper.SetDefault("oracle.address", "")
	cm.viper.SetDefault("oracle.base_fee", d.Oracle.BaseFee)
	cm.viper.SetDefault("oracle.gas_price_link", d.Oracle.GasPriceLink)
	cm.viper.SetDefault("oracle.seed", 0)
	cm.viper.SetDefault("oracle.fund_amount", d.Oracle.FundAmount)

	// Keeper 默认配置
	cm.viper.SetDefault("keeper.poll_interval", d.Keeper.PollInterval.String())
	cm.viper.SetDefault("keeper.use_lock", false)
	cm.viper.SetDefault("keeper.lock_key", d.Keeper.LockKey)
	cm.viper.SetDefault("keeper.lock_expiration", d.Keeper.LockExpiration.String())

	// Redis 默认配置
	cm.viper.SetDefault("redis.addr", DefaultRedisAddr)
	cm.viper.SetDefault("redis.password", DefaultRedisPassword)
	cm.viper.SetDefault("redis.db", DefaultRedisDB)
	cm.viper.SetDefault("redis.pool_size", DefaultRedisPoolSize)
	cm.viper.SetDefault("redis.min_idle_conns", DefaultRedisMinIdleConns)
	cm.viper.SetDefault("redis.max_retries", DefaultRedisMaxRetries)
	cm.viper.SetDefault("redis.dial_timeout", "5s")
	cm.viper.SetDefault("redis.read_timeout", "3s")
	cm.viper.SetDefault("redis.write_timeout", "3s")
	cm.viper.SetDefault("redis.pool_timeout", "4s")

	// 存储默认配置
	cm.viper.SetDefault("store.backend", StoreBackendMemory)
	cm.viper.SetDefault("store.bolt_path", DefaultBoltPath)
	cm.viper.SetDefault("store.state_ttl", "0s")
	cm.viper.SetDefault("store.retry_attempts", DefaultRetryAttempts)
	cm.viper.SetDefault("store.retry_interval", "100ms")

	// 熔断器默认配置
	cm.viper.SetDefault("circuit_breaker.enabled", true)
	cm.viper.SetDefault("circuit_breaker.name", DefaultCircuitBreakerName)
	cm.viper.SetDefault("circuit_breaker.max_requests", DefaultCircuitBreakerMaxRequests)
	cm.viper.SetDefault("circuit_breaker.interval", "60s")
	cm.viper.SetDefault("circuit_breaker.timeout", "30s")
	cm.viper.SetDefault("circuit_breaker.failure_ratio", DefaultCircuitBreakerFailureRatio)
	cm.viper.SetDefault("circuit_breaker.min_requests", DefaultCircuitBreakerMinRequests)
	cm.viper.SetDefault("circuit_breaker.on_state_change", true)

	// HTTP 服务默认配置
	cm.viper.SetDefault("server.addr", DefaultServerAddr)
	cm.viper.SetDefault("server.debug", false)
}

// WatchConfig 监听配置变化
func (cm *ConfigManager) WatchConfig(callback func(*Config)) {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		config, err := cm.decode()
		if err != nil {
			// 配置无效时保留旧配置
			return
		}

		cm.mu.Lock()
		cm.config = config
		cm.mu.Unlock()

		if callback != nil {
			callback(config)
		}
	})
	cm.viper.WatchConfig()
}

// GetConfig 获取当前配置
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.config
}

// ReloadConfig 重新加载配置
func (cm *ConfigManager) ReloadConfig() (*Config, error) { return cm.LoadConfig() }
