package database

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/data"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Ledger.Backend = backend
	return cfg
}

func TestOpenLedger(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("Memory", func(t *testing.T) {
		b, err := OpenLedger(ctx, testConfig(t, config.BackendMemory), logger)
		require.NoError(t, err)
		assert.IsType(t, &data.MemoryLedger{}, b.Ledger)
		assert.NoError(t, b.Ping(ctx))
		assert.NoError(t, b.Close(ctx))
	})

	t.Run("Badger", func(t *testing.T) {
		cfg := testConfig(t, config.BackendBadger)
		cfg.Ledger.Badger.Path = t.TempDir()
		cfg.Ledger.Badger.GCInterval = 0

		b, err := OpenLedger(ctx, cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &data.BadgerLedger{}, b.Ledger)

		_, err = b.Ledger.GetCandidate(ctx, "missing")
		assert.ErrorIs(t, err, data.ErrNotFound)
		assert.NoError(t, b.Close(ctx))
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := OpenLedger(ctx, testConfig(t, "sqlite"), logger)
		assert.Error(t, err)
	})
}

func TestService(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	cfg := testConfig(t, config.BackendPostgres)
	cfg.Database.URL = url
	svc := NewService(cfg.Database, zaptest.NewLogger(t))

	require.NoError(t, svc.Start(ctx))
	assert.Error(t, svc.Start(ctx), "second start is rejected")
	assert.True(t, svc.IsHealthy())
	require.NotNil(t, svc.Ledger())

	_, err := svc.Ledger().GetCandidate(ctx, "missing")
	assert.ErrorIs(t, err, data.ErrNotFound)

	require.NoError(t, svc.Stop(ctx))
	assert.False(t, svc.IsHealthy())
	assert.NoError(t, svc.Stop(ctx))
}
