package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if got := cfg.Relays.SessionURLs(); len(got) != 2 || got[0] != "wss://relay.damus.io" {
		t.Errorf("session relays = %v", got)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Scheduler.Port != 8080 || cfg.Proxy.Port != 8081 {
		t.Errorf("ports = %d/%d", cfg.Scheduler.Port, cfg.Proxy.Port)
	}
	if cfg.Worker.Capacity != 8 || cfg.Worker.AskSec != 15 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Proxy.MaxAmountSats != 1000 {
		t.Errorf("max amount = %d", cfg.Proxy.MaxAmountSats)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6390")
	t.Setenv("SESSION_RELAYS", "wss://a.example, wss://b.example")
	t.Setenv("DISCOVERY_RELAYS", "wss://d.example")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("SCHEDULER_URL", "wss://sched.example/ws")
	t.Setenv("WORKER_CAPACITY", "3")
	t.Setenv("PROXY_TOKEN", "sk-test")
	t.Setenv("PROXY_NWC", "nostr+walletconnect://abc?relay=wss%3A%2F%2Fr&secret=s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6390" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if got := cfg.Relays.SessionURLs(); len(got) != 2 || got[0] != "wss://a.example" || got[1] != "wss://b.example" {
		t.Errorf("session relays = %v", got)
	}
	if got := cfg.Relays.DiscoveryURLs(); len(got) != 1 || got[0] != "wss://d.example" {
		t.Errorf("discovery relays = %v", got)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Worker.SchedulerURL != "wss://sched.example/ws" || cfg.Worker.Capacity != 3 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Proxy.Token != "sk-test" {
		t.Errorf("token = %q", cfg.Proxy.Token)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"http relay", map[string]string{"SESSION_RELAYS": "http://not-a-relay"}},
		{"http scheduler url", map[string]string{"SCHEDULER_URL": "http://sched.example"}},
		{"bad nwc", map[string]string{"PROXY_NWC": "lnbc1notannwc"}},
		{"empty relays", map[string]string{"DISCOVERY_RELAYS": " , "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("load accepted malformed config")
			}
		})
	}
}
