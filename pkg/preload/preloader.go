// Package preload fetches candidate images ahead of display so they are
// resident by the time the voter reaches them.
package preload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/captainteodor/vibess/pkg/utils"
)

var (
	ErrAssetTooLarge = errors.New("asset exceeds size limit")
	ErrBadStatus     = errors.New("unexpected response status")
)

// transientError marks failures worth another attempt
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Config holds preloader limits
type Config struct {
	Timeout       time.Duration
	MaxConcurrent int64
	RatePerSecond float64
	Burst         int
	MaxAttempts   int
	ResidentBytes int64
	MaxAssetBytes int64
}

// DefaultConfig returns conservative preload limits
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		MaxConcurrent: 4,
		RatePerSecond: 20,
		Burst:         10,
		MaxAttempts:   3,
		ResidentBytes: 64 << 20,
		MaxAssetBytes: 8 << 20,
	}
}

type metrics struct {
	results  *prometheus.CounterVec
	resident prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &metrics{
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibess",
			Subsystem: "preload",
			Name:      "results_total",
			Help:      "Asset preload attempts by outcome.",
		}, []string{"outcome"}),
		resident: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibess",
			Subsystem: "preload",
			Name:      "resident_bytes",
			Help:      "Bytes of preloaded assets held in memory.",
		}),
	}
}

// HTTPPreloader fetches image URIs over HTTP with bounded concurrency,
// a global rate limit and retry on transient failures.
type HTTPPreloader struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	flight  singleflight.Group
	store   *residentStore
	logger  *zap.Logger
	metrics *metrics
}

// NewHTTPPreloader creates a preloader. client and reg may be nil.
func NewHTTPPreloader(cfg Config, client *http.Client, reg prometheus.Registerer, logger *zap.Logger) *HTTPPreloader {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &HTTPPreloader{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		store:   newResidentStore(cfg.ResidentBytes),
		logger:  logger.Named("preload"),
		metrics: newMetrics(reg),
	}
}

// Preload ensures the bytes for uri are resident. It returns immediately;
// done is called from a background goroutine when the fetch settles.
func (p *HTTPPreloader) Preload(ctx context.Context, uri string, done func(error)) {
	if p.store.has(uri) {
		p.observe("resident")
		if done != nil {
			done(nil)
		}
		return
	}

	utils.SafeGo(p.logger, func() {
		// Concurrent requests for one URI share a single fetch.
		_, err, shared := p.flight.Do(uri, func() (interface{}, error) {
			return nil, p.fetch(ctx, uri)
		})
		switch {
		case err != nil:
			p.observe("failed")
			p.logger.Debug("Preload failed", zap.String("uri", uri), zap.Error(err))
		case shared:
			p.observe("shared")
		default:
			p.observe("fetched")
		}
		if done != nil {
			done(err)
		}
	})
}

// Resident returns the preloaded bytes for uri
func (p *HTTPPreloader) Resident(uri string) ([]byte, bool) {
	return p.store.get(uri)
}

func (p *HTTPPreloader) fetch(ctx context.Context, uri string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring preload slot: %w", err)
	}
	defer p.sem.Release(1)

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = p.cfg.MaxAttempts
	retry.Retryable = isTransient

	var body []byte
	err := utils.RetryWithBackoff(ctx, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
		b, err := p.get(ctx, uri)
		if err != nil {
			return err
		}
		body = b
		return nil
	}, retry)
	if err != nil {
		return err
	}

	if evicted := p.store.put(uri, body); evicted > 0 {
		p.logger.Debug("Evicted resident assets", zap.Int("count", evicted))
	}
	if p.metrics != nil {
		_, size := p.store.stats()
		p.metrics.resident.Set(float64(size))
	}
	return nil
}

func (p *HTTPPreloader) get(ctx context.Context, uri string) ([]byte, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &transientError{err: fmt.Errorf("fetching %s: %w", uri, err)}
		}
		return nil, fmt.Errorf("fetching %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %s returned %d", ErrBadStatus, uri, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &transientError{err: err}
		}
		return nil, err
	}

	limit := p.cfg.MaxAssetBytes
	if limit <= 0 {
		limit = p.cfg.ResidentBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("reading %s: %w", uri, err)}
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: %s is over %s", ErrAssetTooLarge, uri, utils.FormatBytes(limit))
	}
	return b, nil
}

func (p *HTTPPreloader) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.results.WithLabelValues(outcome).Inc()
	}
}
