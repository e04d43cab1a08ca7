package lottery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigManager_LoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		setupEnv    func(t *testing.T)
		expectError bool
		validate    func(*testing.T, *Config)
	}{
		{
			name:        "default_config",
			setupEnv:    func(t *testing.T) {},
			expectError: false,
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, DefaultEntranceFee, config.Raffle.EntranceFee)
				assert.Equal(t, 30*time.Second, config.Raffle.Interval)
				assert.Equal(t, DefaultNumWords, config.Raffle.NumWords)
				assert.Equal(t, DefaultBaseFee, config.Oracle.BaseFee)
				assert.Equal(t, "localhost:6379", config.Redis.Addr)
				assert.Equal(t, StoreBackendMemory, config.Store.Backend)
				assert.Equal(t, 5*time.Second, config.Keeper.PollInterval)
				assert.Equal(t, DefaultServerAddr, config.Server.Addr)
				assert.True(t, config.CircuitBreaker.Enabled)
			},
		},
		{
			name: "environment_variables",
			setupEnv: func(t *testing.T) {
				t.Setenv("RAFFLE_RAFFLE_ENTRANCE_FEE", "500")
				t.Setenv("RAFFLE_RAFFLE_INTERVAL", "2m")
				t.Setenv("RAFFLE_REDIS_ADDR", "redis-cluster:6379")
				t.Setenv("RAFFLE_ORACLE_SEED", "42")
				t.Setenv("RAFFLE_KEEPER_USE_LOCK", "true")
			},
			expectError: false,
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, uint64(500), config.Raffle.EntranceFee)
				assert.Equal(t, 2*time.Minute, config.Raffle.Interval)
				assert.Equal(t, "redis-cluster:6379", config.Redis.Addr)
				assert.Equal(t, int64(42), config.Oracle.Seed)
				assert.True(t, config.Keeper.UseLock)
			},
		},
		{
			name: "invalid_config",
			setupEnv: func(t *testing.T) {
				t.Setenv("RAFFLE_RAFFLE_ENTRANCE_FEE", "0") // 入场费必须大于 0
			},
			expectError: true,
		},
		{
			name: "unknown_store_backend",
			setupEnv: func(t *testing.T) {
				t.Setenv("RAFFLE_STORE_BACKEND", "sqlite")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupEnv(t)

			cm := NewConfigManager()
			config, err := cm.LoadConfig()

			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, config)
			assert.Same(t, config, cm.GetConfig())

			if tt.validate != nil {
				tt.validate(t, config)
			}
		})
	}
}

func TestConfigManager_LoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raffle.yaml")
	content := `
raffle:
  entrance_fee: 1
  interval: 30s
  subscription_id: 7
oracle:
  base_fee: 5
  gas_price_link: 0
  seed: 3
store:
  backend: bolt
  bolt_path: /tmp/raffle-test.db
server:
  addr: ":9090"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := NewConfigManagerWithFile(path).LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, uint64(1), config.Raffle.EntranceFee)
	assert.Equal(t, uint64(7), config.Raffle.SubscriptionID)
	assert.Equal(t, DefaultKeyHash, config.Raffle.KeyHash)
	assert.Equal(t, uint64(5), config.Oracle.BaseFee)
	assert.Equal(t, uint64(0), config.Oracle.GasPriceLink)
	assert.Equal(t, StoreBackendBolt, config.Store.Backend)
	assert.Equal(t, ":9090", config.Server.Addr)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		expectError  bool
		errorMsg     string
	}{
		{
			name:         "valid_config",
			modifyConfig: func(config *Config) {},
		},
		{
			name:         "missing_raffle_section",
			modifyConfig: func(config *Config) { config.Raffle = nil },
			expectError:  true,
			errorMsg:     "raffle and oracle sections are required",
		},
		{
			name:         "zero_entrance_fee",
			modifyConfig: func(config *Config) { config.Raffle.EntranceFee = 0 },
			expectError:  true,
			errorMsg:     "invalid entrance fee",
		},
		{
			name:         "zero_interval",
			modifyConfig: func(config *Config) { config.Raffle.Interval = 0 },
			expectError:  true,
			errorMsg:     "invalid interval",
		},
		{
			name:         "too_many_words",
			modifyConfig: func(config *Config) { config.Raffle.NumWords = MaxNumWords + 1 },
			expectError:  true,
			errorMsg:     "invalid number of words",
		},
		{
			name: "free_oracle",
			modifyConfig: func(config *Config) {
				config.Oracle.BaseFee = 0
				config.Oracle.GasPriceLink = 0
			},
			expectError: true,
			errorMsg:    "oracle must charge",
		},
		{
			name:         "keeper_without_interval",
			modifyConfig: func(config *Config) { config.Keeper.PollInterval = 0 },
			expectError:  true,
			errorMsg:     "poll interval must be positive",
		},
		{
			name: "redis_store_without_addr",
			modifyConfig: func(config *Config) {
				config.Store.Backend = StoreBackendRedis
				config.Redis.Addr = ""
			},
			expectError: true,
			errorMsg:    "redis address is required",
		},
		{
			name: "redis_store_invalid_pool_size",
			modifyConfig: func(config *Config) {
				config.Store.Backend = StoreBackendRedis
				config.Redis.PoolSize = 0
			},
			expectError: true,
			errorMsg:    "redis pool size must be positive",
		},
		{
			name: "bolt_store_without_path",
			modifyConfig: func(config *Config) {
				config.Store.Backend = StoreBackendBolt
				config.Store.BoltPath = ""
			},
			expectError: true,
			errorMsg:    "bolt path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modifyConfig(config)

			err := config.Validate()
			if tt.expectError {
				assert.Error(t, err)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRaffleConfig(t *testing.T) {
	cfg := NewRaffleConfig(42, time.Minute, 3, 100_000)

	assert.Equal(t, uint64(42), cfg.EntranceFee)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, uint64(3), cfg.SubscriptionID)
	assert.Equal(t, uint32(100_000), cfg.CallbackGasLimit)
	assert.Equal(t, DefaultRequestConfirmations, cfg.RequestConfirmations)
	assert.Equal(t, DefaultNumWords, cfg.NumWords)
	assert.NoError(t, cfg.Validate())
}

func TestNewRedisClientFromConfig(t *testing.T) {
	config := &RedisConfig{
		Addr:         "localhost:6379",
		Password:     "test-password",
		DB:           1,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}

	client := NewRedisClientFromConfig(config)
	require.NotNil(t, client)
	assert.Equal(t, "localhost:6379", client.Options().Addr)
	assert.Equal(t, 1, client.Options().DB)

	// 注意：这里只是测试客户端创建，不测试实际连接
	assert.NotNil(t, NewRedisClientFromConfig(nil))
}

func BenchmarkConfig_Validation(b *testing.B) {
	config := DefaultConfig()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := config.Validate(); err != nil {
			b.Fatalf("Config validation failed: %v", err)
		}
	}
}
