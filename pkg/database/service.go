// pkg/database/service.go
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/utils"
)

const (
	embeddedUser     = "vibess"
	embeddedPassword = "vibess"
	embeddedDatabase = "vibess"
)

// Service manages the PostgreSQL connection pool, the schema and, for local
// runs, an embedded PostgreSQL server.
type Service struct {
	config   config.DatabaseConfig
	logger   *zap.Logger
	embedded *embeddedpostgres.EmbeddedPostgres
	pool     *pgxpool.Pool
	ledger   *data.PostgresLedger
	schema   *data.SchemaManager

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg config.DatabaseConfig, logger *zap.Logger) *Service {
	return &Service{
		config: cfg,
		logger: logger.Named("database"),
	}
}

// Start brings up the database, opens the pool and applies the schema
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	if s.config.URL == "" && s.config.Embedded.Enabled {
		if err := s.startEmbedded(); err != nil {
			return err
		}
	}

	pool, err := s.createPool(ctx)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	s.schema = data.NewSchemaManager(pool)
	if err := s.schema.InitializeSchema(ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.ledger = data.NewPostgresLedger(pool, s.logger)
	s.isRunning = true
	s.logger.Info("Database service started successfully", zap.Bool("embedded", s.embedded != nil))
	return nil
}

// Stop closes the pool and stops the embedded server
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	err := s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return err
}

// Ledger returns the PostgreSQL vote ledger
func (s *Service) Ledger() *data.PostgresLedger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// Pool returns the connection pool
func (s *Service) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Ping checks the database answers within the configured timeout
func (s *Service) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("database service not running")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// IsHealthy checks database health
func (s *Service) IsHealthy() bool {
	return s.Ping(context.Background()) == nil
}

// Internal methods

func (s *Service) startEmbedded() error {
	cfg := embeddedpostgres.DefaultConfig().
		Username(embeddedUser).
		Password(embeddedPassword).
		Database(embeddedDatabase).
		Version(embeddedpostgres.V15).
		Port(s.config.Embedded.Port).
		StartTimeout(60 * time.Second).
		Logger(zap.NewStdLog(s.logger.Named("embedded")).Writer())
	if s.config.Embedded.DataPath != "" {
		cfg = cfg.DataPath(s.config.Embedded.DataPath)
	}
	if s.config.Embedded.RuntimePath != "" {
		cfg = cfg.RuntimePath(s.config.Embedded.RuntimePath)
	}

	pg := embeddedpostgres.NewDatabase(cfg)
	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded PostgreSQL started", zap.Uint32("port", s.config.Embedded.Port))
	return nil
}

func (s *Service) dsn() string {
	if s.config.URL != "" {
		return s.config.URL
	}
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, s.config.Embedded.Port, embeddedDatabase)
}

func (s *Service) createPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(s.dsn())
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	// Set pool configuration
	if s.config.MaxConns > 0 {
		poolConfig.MaxConns = s.config.MaxConns
	}
	poolConfig.MinConns = s.config.MinConns
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = s.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.ConnectTimeout = s.timeout()

	// Create pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// The server may still be accepting its first connections.
	err = utils.RetryWithBackoff(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, s.timeout())
		defer cancel()
		return pool.Ping(pingCtx)
	}, &utils.RetryConfig{
		MaxAttempts:      5,
		InitialDelay:     200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BackoffFactor:    2,
		MaxJitterPercent: 0.2,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}

	return pool, nil
}

func (s *Service) timeout() time.Duration {
	if s.config.Timeout > 0 {
		return s.config.Timeout
	}
	return 5 * time.Second
}

func (s *Service) cleanup() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.ledger = nil
	if s.embedded != nil {
		err := s.embedded.Stop()
		s.embedded = nil
		if err != nil {
			return fmt.Errorf("stopping embedded postgres: %w", err)
		}
	}
	return nil
}

// Config returns the database configuration
func (s *Service) Config() config.DatabaseConfig {
	return s.config
}
