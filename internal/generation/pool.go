package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/balancer"
	"github.com/xiaochefight/tuwenv2/internal/logger"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
)

type namedGenerator struct {
	name string
	Generator
}

// PoolGenerator spreads generation calls over several upstream clients,
// one per Gemini API key, always picking the least used one.
type PoolGenerator struct {
	pool    *balancer.Balancer[namedGenerator]
	closers []func() error
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPoolGenerator wraps ready generators. names label them in logs and metrics.
func NewPoolGenerator(names []string, generators []Generator, log *slog.Logger, m *metrics.Metrics) *PoolGenerator {
	members := make([]namedGenerator, len(generators))
	for i, g := range generators {
		members[i] = namedGenerator{name: names[i], Generator: g}
	}
	return &PoolGenerator{
		pool:    balancer.New(names, members, log),
		logger:  log.With("component", "gemini_pool"),
		metrics: m,
	}
}

// NewGeminiPool builds one GeminiGenerator per API key.
func NewGeminiPool(ctx context.Context, apiKeys []string, modelName string, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) (*PoolGenerator, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New("gemini api key is not configured")
	}
	names := make([]string, 0, len(apiKeys))
	generators := make([]Generator, 0, len(apiKeys))
	var closers []func() error
	for _, key := range apiKeys {
		g, err := NewGeminiGenerator(ctx, key, modelName, timeout, log)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, err
		}
		names = append(names, "..."+logger.KeySuffix(key))
		generators = append(generators, g)
		closers = append(closers, g.Close)
	}
	p := NewPoolGenerator(names, generators, log, m)
	p.closers = closers
	log.Info("Gemini key pool ready", "keys", len(apiKeys), "model", modelName)
	return p, nil
}

func (p *PoolGenerator) Generate(ctx context.Context, text string) (*Card, error) {
	g, release, err := p.pool.Next()
	if err != nil {
		return nil, err
	}
	card, err := g.Generate(ctx, text)
	release(err != nil)
	p.metrics.RecordUpstreamRequest(g.name, err != nil)
	return card, err
}

// Close logs per-key usage and releases every client in the pool.
func (p *PoolGenerator) Close() error {
	for _, s := range p.pool.Stats() {
		p.logger.Info("Gemini key usage", "key", s.Name, "uses", s.Uses, "failures", s.Fails)
	}
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
