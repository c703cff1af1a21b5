// Package config loads service configuration from an optional YAML file and
// the environment. Environment values win.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis     RedisConfig
	Relays    RelayConfig
	LLM       LLMConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Proxy     ProxyConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// RelayConfig holds comma-separated relay URL lists. Discovery is where asks
// and bids travel; Session is the default venue for everything after.
type RelayConfig struct {
	Session   string `mapstructure:"session"`
	Discovery string `mapstructure:"discovery"`
}

// SessionURLs splits the session relay list.
func (r RelayConfig) SessionURLs() []string { return splitURLs(r.Session) }

// DiscoveryURLs splits the discovery relay list.
func (r RelayConfig) DiscoveryURLs() []string { return splitURLs(r.Discovery) }

type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type SchedulerConfig struct {
	Port              int   `mapstructure:"port"`
	PollSec           int64 `mapstructure:"poll_sec"`
	StartTimeoutSec   int64 `mapstructure:"start_timeout_sec"`
	StopTimeoutSec    int64 `mapstructure:"stop_timeout_sec"`
	ReconnectGraceSec int64 `mapstructure:"reconnect_grace_sec"`
}

type WorkerConfig struct {
	SchedulerURL string `mapstructure:"scheduler_url"`
	Capacity     int    `mapstructure:"capacity"`
	AskSec       int64  `mapstructure:"ask_sec"`
	Port         int    `mapstructure:"port"`
}

type ProxyConfig struct {
	Port          int    `mapstructure:"port"`
	Token         string `mapstructure:"token"`
	DefaultExpert string `mapstructure:"default_expert"`
	MaxAmountSats int64  `mapstructure:"max_amount_sats"`
	NWC           string `mapstructure:"nwc"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("relays.session", "wss://relay.damus.io,wss://nos.lol")
	v.SetDefault("relays.discovery", "wss://relay.damus.io,wss://nos.lol")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("scheduler.port", 8080)
	v.SetDefault("scheduler.poll_sec", 2)
	v.SetDefault("scheduler.start_timeout_sec", 60)
	v.SetDefault("scheduler.stop_timeout_sec", 60)
	v.SetDefault("scheduler.reconnect_grace_sec", 60)
	v.SetDefault("worker.scheduler_url", "ws://scheduler:8080/ws")
	v.SetDefault("worker.capacity", 8)
	v.SetDefault("worker.ask_sec", 15)
	v.SetDefault("worker.port", 8082)
	v.SetDefault("proxy.port", 8081)
	v.SetDefault("proxy.max_amount_sats", 1000)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"relays.session":                "SESSION_RELAYS",
		"relays.discovery":              "DISCOVERY_RELAYS",
		"llm.base_url":                  "OPENAI_BASE_URL",
		"llm.api_key":                   "OPENAI_API_KEY",
		"llm.model":                     "OPENAI_MODEL",
		"scheduler.port":                "SCHEDULER_PORT",
		"scheduler.poll_sec":            "SCHEDULER_POLL_SEC",
		"scheduler.start_timeout_sec":   "EXPERT_START_TIMEOUT_SEC",
		"scheduler.stop_timeout_sec":    "EXPERT_STOP_TIMEOUT_SEC",
		"scheduler.reconnect_grace_sec": "WORKER_RECONNECT_GRACE_SEC",
		"worker.scheduler_url":          "SCHEDULER_URL",
		"worker.capacity":               "WORKER_CAPACITY",
		"worker.ask_sec":                "WORKER_ASK_SEC",
		"worker.port":                   "WORKER_PORT",
		"proxy.port":                    "PROXY_PORT",
		"proxy.token":                   "PROXY_TOKEN",
		"proxy.default_expert":          "PROXY_DEFAULT_EXPERT",
		"proxy.max_amount_sats":         "PROXY_MAX_AMOUNT_SATS",
		"proxy.nwc":                     "PROXY_NWC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

// validate checks that optional values are at least well-formed. Presence of
// per-service requirements (the proxy's wallet, for one) is enforced by the
// binary that needs them.
func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if len(c.Relays.SessionURLs()) == 0 {
		return fmt.Errorf("required config missing: SESSION_RELAYS")
	}
	if len(c.Relays.DiscoveryURLs()) == 0 {
		return fmt.Errorf("required config missing: DISCOVERY_RELAYS")
	}
	for _, u := range append(c.Relays.SessionURLs(), c.Relays.DiscoveryURLs()...) {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("relay %q is not a websocket URL", u)
		}
	}
	if u := c.Worker.SchedulerURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("SCHEDULER_URL %q is not a websocket URL", u)
	}
	if n := c.Proxy.NWC; n != "" && !strings.HasPrefix(n, "nostr+walletconnect://") {
		return fmt.Errorf("PROXY_NWC is not a wallet connect URI")
	}
	if c.Scheduler.Port <= 0 || c.Proxy.Port <= 0 {
		return fmt.Errorf("ports must be positive")
	}
	return nil
}

func splitURLs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
