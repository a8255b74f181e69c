package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"ACTIVATION_SIGNING_SECRET":     strings.Repeat("s", 32),
		"ACTIVATION_IDEMPOTENCY_SECRET": "idem",
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, 10, cfg.Activation.RateLimit)
	assert.Equal(t, time.Minute, cfg.Activation.RateWindow)
	assert.Equal(t, 10*time.Second, cfg.Activation.LockTTL)
	assert.Equal(t, "@every 5m", cfg.Reconciler.Schedule)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetServerAddr())
	assert.True(t, cfg.App.IsDevelopment())
}

func TestLoadFrom_SQLiteURL(t *testing.T) {
	env := baseEnv()
	env["DB_DRIVER"] = "sqlite3"
	env["DB_PATH"] = "/tmp/x.db"

	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database.GetDatabaseURL())
}

func TestLoadFrom_TrustedProxies(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(baseEnv()))
	require.NoError(t, err)
	prefixes, err := cfg.Server.ProxyPrefixes()
	require.NoError(t, err)
	assert.Empty(t, prefixes, "no proxy is trusted by default")

	env := baseEnv()
	env["SERVER_TRUSTED_PROXIES"] = "10.0.0.0/8, 192.168.1.7,2001:db8::/32"
	cfg, err = LoadFrom(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	prefixes, err = cfg.Server.ProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.7/32", prefixes[1].String())
	assert.Equal(t, "2001:db8::/32", prefixes[2].String())
}

func TestLoadFrom_RejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret": {"ACTIVATION_IDEMPOTENCY_SECRET": "idem"},
		"short secret": {
			"ACTIVATION_SIGNING_SECRET":     "short",
			"ACTIVATION_IDEMPOTENCY_SECRET": "idem",
		},
		"bad driver": func() map[string]string {
			env := baseEnv()
			env["DB_DRIVER"] = "mysql"
			return env
		}(),
		"bad cache": func() map[string]string {
			env := baseEnv()
			env["CACHE_DRIVER"] = "memcached"
			return env
		}(),
		"bad proxy": func() map[string]string {
			env := baseEnv()
			env["SERVER_TRUSTED_PROXIES"] = "10.0.0.0/8,not-an-ip"
			return env
		}(),
		"ttl order": func() map[string]string {
			env := baseEnv()
			env["ACTIVATION_DEFAULT_TOKEN_TTL"] = "1000h"
			return env
		}(),
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}
}
