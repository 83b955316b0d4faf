package main

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadesina/omnirapeutic-sub000/audit"
	"github.com/dadesina/omnirapeutic-sub000/config"
	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:              "development",
		StoreDriver:      config.DriverMemory,
		OverrunPolicy:    "flag",
		ClinicTimezone:   "UTC",
		UnitMinutes:      15,
		UnitRoundingRule: "eight_minute",
		RetryMaxAttempts: executor.DefaultPolicy().MaxAttempts,
		RetryBaseDelay:   executor.DefaultPolicy().BaseDelay,
		RetryMaxDelay:    executor.DefaultPolicy().MaxDelay,
	}
}

func TestOpenBackend_Drivers(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		be, err := openBackend(ctx, testConfig())
		require.NoError(t, err)
		defer be.close()
		assert.Nil(t, be.ping)
		assert.NotNil(t, be.store)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig()
		cfg.StoreDriver = config.DriverSQLite
		cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

		be, err := openBackend(ctx, cfg)
		require.NoError(t, err)
		defer be.close()
		require.NoError(t, be.ping(ctx))
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := testConfig()
		cfg.StoreDriver = "mongo"
		_, err := openBackend(ctx, cfg)
		assert.ErrorContains(t, err, "unknown store driver")
	})
}

func TestAuditSinks_RedisStreamWhenConfigured(t *testing.T) {
	// GIVEN: REDIS_URL pointing at a miniredis instance
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.AuditStream = "test:audit"
	m := metrics.NewLedgerMetrics(prometheus.NewRegistry())

	// WHEN: Building the sinks and emitting one event
	sinks, closeSinks, err := auditSinks(cfg, zerolog.Nop(), m)
	require.NoError(t, err)
	defer closeSinks()
	require.Len(t, sinks, 3)
	require.NoError(t, sinks.Emit(context.Background(), audit.NewEvent("reserve", nil)))

	// THEN: The event lands on the configured stream
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	n, err := client.XLen(context.Background(), "test:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAuditSinks_WithoutRedis(t *testing.T) {
	sinks, closeSinks, err := auditSinks(testConfig(), zerolog.Nop(), nil)
	require.NoError(t, err)
	closeSinks()
	assert.Len(t, sinks, 2)
}

func TestAuditSinks_BadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "not a url"
	_, _, err := auditSinks(cfg, zerolog.Nop(), nil)
	assert.ErrorContains(t, err, "REDIS_URL")
}

func TestBuildHandler_WiresLedger(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	be, err := openBackend(ctx, cfg)
	require.NoError(t, err)
	m := metrics.NewLedgerMetrics(prometheus.NewRegistry())
	sinks, closeSinks, err := auditSinks(cfg, zerolog.Nop(), m)
	require.NoError(t, err)
	defer closeSinks()

	h, err := buildHandler(cfg, be, sinks, m, zerolog.Nop())
	require.NoError(t, err)

	today := h.Ledger.Today()
	require.NoError(t, be.admin.CreateAuthorization(ctx, generic.Authorization{
		ID: "auth-1", PatientID: "pat-1", ServiceCode: "97153", TotalUnits: 10,
		StartDate: today.AddDays(-1), EndDate: today.AddDays(10),
	}))
	bal, err := h.Ledger.Reserve(ctx, "auth-1", 4)
	require.NoError(t, err)
	assert.Equal(t, generic.Units(6), bal.Available)
}

func TestBuildHandler_RejectsBadSettings(t *testing.T) {
	be, err := openBackend(context.Background(), testConfig())
	require.NoError(t, err)

	cases := map[string]func(*config.Config){
		"timezone": func(c *config.Config) { c.ClinicTimezone = "Mars/Olympus" },
		"overrun":  func(c *config.Config) { c.OverrunPolicy = "ignore" },
		"rounding": func(c *config.Config) { c.UnitRoundingRule = "floor" },
		"unit":     func(c *config.Config) { c.UnitMinutes = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			_, err := buildHandler(cfg, be, audit.Multi{}, nil, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestRunServer_ReturnsStartupErrors(t *testing.T) {
	devEnv := func(t *testing.T) {
		t.Setenv("ENV", "development")
		t.Setenv("STORE_DRIVER", config.DriverMemory)
		t.Setenv("REDIS_URL", "")
	}

	t.Run("bad audit sink", func(t *testing.T) {
		devEnv(t)
		t.Setenv("REDIS_URL", "not a url")

		err := runServer(false)

		assert.ErrorContains(t, err, "configure audit sinks")
	})

	t.Run("port already bound", func(t *testing.T) {
		// GIVEN: The configured port is held by another listener
		ln, err := net.Listen("tcp", ":0")
		require.NoError(t, err)
		defer ln.Close()
		devEnv(t)
		t.Setenv("PORT", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))

		// WHEN / THEN: The failure comes back to the command instead of exiting
		err = runServer(false)

		assert.ErrorContains(t, err, "serve:")
	})
}
