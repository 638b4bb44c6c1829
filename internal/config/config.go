package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's full runtime configuration: an optional YAML
// config file overridden by GATEWAY_-prefixed environment variables,
// named to match the env vars spec.md calls out directly (PORT,
// CHATGPT_BASE_URL, ADMIN_TOKEN, and so on).
type Config struct {
	Port int `mapstructure:"port"`

	StorePath      string `mapstructure:"store_path"`
	OAuthStatePath string `mapstructure:"oauth_state_path"`

	TraceFilePath         string `mapstructure:"trace_file_path"`
	TraceStatsHistoryPath string `mapstructure:"trace_stats_history_path"`
	TraceIncludeBody      bool   `mapstructure:"trace_include_body"`
	TraceRetention        int    `mapstructure:"trace_retention"`

	ChatGPTBaseURL string `mapstructure:"chatgpt_base_url"`
	UpstreamPath   string `mapstructure:"upstream_path"`

	AdminToken string `mapstructure:"admin_token"`

	MaxAccountRetryAttempts int           `mapstructure:"max_account_retry_attempts"`
	MaxUpstreamRetries      int           `mapstructure:"max_upstream_retries"`
	UpstreamBaseDelayMS     int           `mapstructure:"upstream_base_delay_ms"`
	UpstreamBaseDelay       time.Duration `mapstructure:"-"`

	ProxyModels         []string      `mapstructure:"proxy_models"`
	ModelsClientVersion string        `mapstructure:"models_client_version"`
	ModelsCacheMS       int           `mapstructure:"models_cache_ms"`
	ModelsCacheTTL      time.Duration `mapstructure:"-"`

	TokenRefreshMarginMS int           `mapstructure:"token_refresh_margin_ms"`
	TokenRefreshMargin   time.Duration `mapstructure:"-"`
	AccountFlushIntervalMS int         `mapstructure:"account_flush_interval_ms"`
	AccountFlushInterval   time.Duration `mapstructure:"-"`

	UsageCacheTTLMS int           `mapstructure:"usage_cache_ttl_ms"`
	UsageCacheTTL   time.Duration `mapstructure:"-"`
	UsageTimeoutMS  int           `mapstructure:"usage_timeout_ms"`
	UsageTimeout    time.Duration `mapstructure:"-"`
	BlockFallbackMS int           `mapstructure:"block_fallback_ms"`
	BlockFallback   time.Duration `mapstructure:"-"`

	RoutingWindowMS int64 `mapstructure:"routing_window_ms"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("port", 8080)

	viper.SetDefault("store_path", "./data/accounts.json")
	viper.SetDefault("oauth_state_path", "./data/oauth-state.json")

	viper.SetDefault("trace_file_path", "./data/requests-trace.jsonl")
	viper.SetDefault("trace_stats_history_path", "./data/requests-stats-history.jsonl")
	viper.SetDefault("trace_include_body", false)
	viper.SetDefault("trace_retention", 1000)

	viper.SetDefault("chatgpt_base_url", "https://chatgpt.com")
	viper.SetDefault("upstream_path", "/backend-api/codex/responses")

	viper.SetDefault("max_account_retry_attempts", 3)
	viper.SetDefault("max_upstream_retries", 3)
	viper.SetDefault("upstream_base_delay_ms", 1000)

	viper.SetDefault("proxy_models", []string{"gpt-5.3-codex", "gpt-5.2-codex", "gpt-5-codex"})
	viper.SetDefault("models_client_version", "codexgw/1.0.0")
	viper.SetDefault("models_cache_ms", 10*60*1000)

	viper.SetDefault("token_refresh_margin_ms", 2*60*1000)
	viper.SetDefault("account_flush_interval_ms", 5000)

	viper.SetDefault("usage_cache_ttl_ms", 5*60*1000)
	viper.SetDefault("usage_timeout_ms", 10*1000)
	viper.SetDefault("block_fallback_ms", 30*60*1000)

	viper.SetDefault("routing_window_ms", int64(5*time.Minute/time.Millisecond))

	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	deriveDurations(cfg)
	return cfg, nil
}

// deriveDurations converts the millisecond-denominated fields (the unit
// every one of these env vars is specified in) into time.Duration.
func deriveDurations(cfg *Config) {
	cfg.UpstreamBaseDelay = time.Duration(cfg.UpstreamBaseDelayMS) * time.Millisecond
	cfg.ModelsCacheTTL = time.Duration(cfg.ModelsCacheMS) * time.Millisecond
	cfg.TokenRefreshMargin = time.Duration(cfg.TokenRefreshMarginMS) * time.Millisecond
	cfg.AccountFlushInterval = time.Duration(cfg.AccountFlushIntervalMS) * time.Millisecond
	cfg.UsageCacheTTL = time.Duration(cfg.UsageCacheTTLMS) * time.Millisecond
	cfg.UsageTimeout = time.Duration(cfg.UsageTimeoutMS) * time.Millisecond
	cfg.BlockFallback = time.Duration(cfg.BlockFallbackMS) * time.Millisecond
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
