package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "cron leader election on by default",
			check:  func(c *Config) bool { return c.CronLeaderElection },
			expect: "true",
		},
		{
			name:   "instance id generated when unset",
			check:  func(c *Config) bool { return c.InstanceID != "" },
			expect: "non-empty instance id",
		},
		{
			name:   "webhook timeout default",
			check:  func(c *Config) bool { return c.WebhookTimeout == 10*time.Second },
			expect: "10s",
		},
		{
			name:   "script execution timeout default",
			check:  func(c *Config) bool { return c.ScriptExecutionTimeout == 30*time.Second },
			expect: "30s",
		},
		{
			name:   "lock TTL covers two renewal intervals",
			check:  func(c *Config) bool { return c.LockTTL >= 2*c.LeadershipRenewalInterval },
			expect: "lock TTL at least 2x renewal interval",
		},
		{
			name:   "max script execution time default",
			check:  func(c *Config) bool { return c.MaxScriptExecutionTime == 300*time.Second },
			expect: "300s",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
