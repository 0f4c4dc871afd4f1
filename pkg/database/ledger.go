package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/data"
)

// Backend is an open vote ledger plus whatever keeps it running
type Backend struct {
	Ledger  data.Ledger
	service *Service
}

// OpenLedger opens the ledger selected by cfg.Ledger.Backend. A postgres
// backend starts the database service first.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		svc := NewService(cfg.Database, logger)
		if err := svc.Start(ctx); err != nil {
			return nil, err
		}
		return &Backend{Ledger: svc.Ledger(), service: svc}, nil

	case config.BackendBadger:
		b := cfg.Ledger.Badger
		ledger, err := data.OpenBadgerLedger(data.BadgerOptions{
			Path:           b.Path,
			InMemory:       b.InMemory,
			SyncWrites:     b.SyncWrites,
			GCInterval:     b.GCInterval,
			GCDiscardRatio: b.GCDiscardRatio,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening badger ledger: %w", err)
		}
		return &Backend{Ledger: ledger}, nil

	case config.BackendMemory:
		logger.Warn("Using in-memory ledger; votes are lost on exit")
		return &Backend{Ledger: data.NewMemoryLedger()}, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
}

// Ping reports whether the ledger's store is reachable
func (b *Backend) Ping(ctx context.Context) error {
	if b.service != nil {
		return b.service.Ping(ctx)
	}
	return nil
}

// Close releases the ledger and stops the database service if one was started
func (b *Backend) Close(ctx context.Context) error {
	if err := b.Ledger.Close(); err != nil {
		return fmt.Errorf("closing ledger: %w", err)
	}
	if b.service != nil {
		return b.service.Stop(ctx)
	}
	return nil
}
