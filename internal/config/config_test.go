package config

import (
	"testing"
	"time"

	"github.com/credential-pool/internal/types"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("POOL_DISABLE_THRESHOLD", "3")
	t.Setenv("POOL_COUNTED_FAILURE_KINDS", "auth_rejected, transient")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("BALANCE_CACHE_TTL", "45s")
	t.Setenv("STORE_BACKEND", "Redis")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Pool.DisableThreshold != 3 {
		t.Errorf("Pool.DisableThreshold = %v, want %v", cfg.Pool.DisableThreshold, 3)
	}
	if cfg.Pool.RefreshMargin != 60*time.Second {
		t.Errorf("Pool.RefreshMargin = %v, want %v", cfg.Pool.RefreshMargin, 60*time.Second)
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Cache.BalanceTTL != 45*time.Second {
		t.Errorf("Cache.BalanceTTL = %v, want %v", cfg.Cache.BalanceTTL, 45*time.Second)
	}
	if cfg.Store.Backend != StoreBackendRedis {
		t.Errorf("Store.Backend = %v, want %v", cfg.Store.Backend, StoreBackendRedis)
	}
	if !cfg.Store.WriteThrough {
		t.Errorf("Store.WriteThrough = false, want true")
	}

	kinds, err := cfg.Pool.CountedKinds()
	if err != nil {
		t.Fatalf("CountedKinds() error = %v", err)
	}
	want := []types.FailureKind{types.FailureAuthRejected, types.FailureTransient}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("CountedKinds() = %v, want %v", kinds, want)
	}
}

func TestLoadConfigRequiresThreshold(t *testing.T) {
	t.Setenv("POOL_DISABLE_THRESHOLD", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() error = nil, want missing threshold error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Pool: PoolConfig{
				DisableThreshold: 3,
				RefreshTimeout:   time.Second,
			},
			Store:  StoreConfig{Backend: StoreBackendPostgres},
			Events: EventsConfig{Sink: "log"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero threshold", mutate: func(c *Config) { c.Pool.DisableThreshold = 0 }, wantErr: true},
		{name: "negative threshold", mutate: func(c *Config) { c.Pool.DisableThreshold = -1 }, wantErr: true},
		{name: "unknown failure kind", mutate: func(c *Config) { c.Pool.CountedFailureKinds = []string{"flaky"} }, wantErr: true},
		{name: "zero refresh timeout", mutate: func(c *Config) { c.Pool.RefreshTimeout = 0 }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, wantErr: true},
		{name: "unknown sink", mutate: func(c *Config) { c.Events.Sink = "kafka" }, wantErr: true},
		{name: "redis sink", mutate: func(c *Config) { c.Events.Sink = "redis" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{name: "returns integer when valid", key: "TEST_INT", defaultValue: 100, envValue: "200", want: 200},
		{name: "returns default when invalid", key: "TEST_INT_INVALID", defaultValue: 100, envValue: "invalid", want: 100},
		{name: "returns default when not set", key: "TEST_INT_NOTSET", defaultValue: 100, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{name: "returns duration when valid", key: "TEST_DURATION", defaultValue: 10 * time.Second, envValue: "30s", want: 30 * time.Second},
		{name: "returns default when invalid", key: "TEST_DURATION_INVALID", defaultValue: 10 * time.Second, envValue: "invalid", want: 10 * time.Second},
		{name: "returns default when not set", key: "TEST_DURATION_NOTSET", defaultValue: 10 * time.Second, want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	t.Setenv("TEST_BOOL_INVALID", "maybe")

	if got := getEnvAsBool("TEST_BOOL", true); got {
		t.Errorf("getEnvAsBool() = %v, want false", got)
	}
	if got := getEnvAsBool("TEST_BOOL_INVALID", true); !got {
		t.Errorf("getEnvAsBool() = %v, want default true", got)
	}
	if got := getEnvAsBool("TEST_BOOL_NOTSET", true); !got {
		t.Errorf("getEnvAsBool() = %v, want default true", got)
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", " a, ,b ,c")

	got := getEnvAsList("TEST_LIST", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("getEnvAsList() = %v, want [a b c]", got)
	}

	def := getEnvAsList("TEST_LIST_NOTSET", []string{"x"})
	if len(def) != 1 || def[0] != "x" {
		t.Errorf("getEnvAsList() = %v, want [x]", def)
	}
}
