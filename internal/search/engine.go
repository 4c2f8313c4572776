// Package search resolves free-text queries to Census variable
// descriptors: phrase map first, then the curated catalog, then the
// remote variable catalog.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/catalog"
	"github.com/metrolabs/censusd/internal/census"
	"github.com/metrolabs/censusd/internal/collector"
)

// remoteMatchLimit caps how many remote-catalog matches a search returns.
const remoteMatchLimit = 5

// stopWords are discarded from tokenized queries before curated matching.
var stopWords = map[string]struct{}{
	"or":         {},
	"and":        {},
	"the":        {},
	"a":          {},
	"an":         {},
	"population": {},
	"pop":        {},
}

// CatalogFetcher fetches the remote variable catalog for a dataset/year.
type CatalogFetcher interface {
	FetchVariables(ctx context.Context, year, dataset string) ([]census.RemoteVariable, error)
}

// Request is one search invocation.
type Request struct {
	Query   string
	Year    string
	Dataset string
	// Refresh bypasses both the result cache and the remote catalog
	// cache.
	Refresh bool
}

// Engine resolves queries against curated and remote catalogs. Results
// and remote catalogs are cached for the process lifetime; concurrent
// writers to the same key race with last-write-wins, which is fine
// because entries are idempotent derivations of the same upstream truth.
type Engine struct {
	fetcher   CatalogFetcher
	collector collector.Collector
	logger    *zap.Logger

	results  *ttlcache.Cache[string, []catalog.Descriptor]
	catalogs *ttlcache.Cache[string, []census.RemoteVariable]
}

// Config configures an Engine.
type Config struct {
	Fetcher   CatalogFetcher
	Collector collector.Collector
	Logger    *zap.Logger
}

// NewEngine creates a search engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("catalog fetcher is required")
	}
	if cfg.Collector == nil {
		cfg.Collector = collector.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		fetcher:   cfg.Fetcher,
		collector: cfg.Collector,
		logger:    cfg.Logger,
		results:   ttlcache.New[string, []catalog.Descriptor](),
		catalogs:  ttlcache.New[string, []census.RemoteVariable](),
	}, nil
}

// Search resolves a query in strict priority order: exact phrase-map hit,
// curated keyword match, then remote catalog substring filter. The first
// matching step wins. An empty result is a valid outcome, distinct from
// an error fetching the remote catalog.
func (e *Engine) Search(ctx context.Context, req Request) ([]catalog.Descriptor, error) {
	normalized := strings.ToLower(strings.TrimSpace(req.Query))
	cacheKey := req.Dataset + "|" + req.Year + "|" + normalized

	if !req.Refresh {
		if item := e.results.Get(cacheKey); item != nil {
			return item.Value(), nil
		}
	}

	// Step 1: exact phrase-map hit, dataset/year independent.
	if d, ok := catalog.LookupPhrase(normalized); ok {
		out := []catalog.Descriptor{d}
		e.results.Set(cacheKey, out, ttlcache.NoTTL)
		return out, nil
	}

	tokens := tokenize(normalized)

	e.collector.Record(ctx, collector.Entry{
		Service:   "search",
		Direction: collector.DirectionRequest,
		Message:   fmt.Sprintf("tokenized search %q tokens=%v", normalized, tokens),
	})

	// Step 2: curated catalog keyword match.
	if matches := catalog.MatchKeywords(tokens); len(matches) > 0 {
		e.results.Set(cacheKey, matches, ttlcache.NoTTL)
		e.recordOutcome(ctx, normalized, "curated", len(matches))
		return matches, nil
	}

	// Step 3: remote catalog substring filter. Fetch failures propagate;
	// the caller decides how to degrade.
	remote, err := e.remoteCatalog(ctx, req.Year, req.Dataset, req.Refresh)
	if err != nil {
		return nil, fmt.Errorf("remote catalog lookup: %w", err)
	}

	matches := filterRemote(remote, tokens)
	e.results.Set(cacheKey, matches, ttlcache.NoTTL)
	e.recordOutcome(ctx, normalized, "remote", len(matches))
	return matches, nil
}

// remoteCatalog returns the remote variable catalog, cached per
// (dataset, year) for the process lifetime.
func (e *Engine) remoteCatalog(ctx context.Context, year, dataset string, refresh bool) ([]census.RemoteVariable, error) {
	key := dataset + "|" + year
	if !refresh {
		if item := e.catalogs.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	vars, err := e.fetcher.FetchVariables(ctx, year, dataset)
	if err != nil {
		return nil, err
	}

	e.catalogs.Set(key, vars, ttlcache.NoTTL)
	e.logger.Debug("remote variable catalog cached",
		zap.String("dataset", dataset),
		zap.String("year", year),
		zap.Int("variables", len(vars)),
	)
	return vars, nil
}

func (e *Engine) recordOutcome(ctx context.Context, query, source string, count int) {
	e.collector.Record(ctx, collector.Entry{
		Service:   "search",
		Direction: collector.DirectionResponse,
		Message:   fmt.Sprintf("search %q matched %d via %s", query, count, source),
	})
}

// tokenize splits on whitespace and drops stop words.
func tokenize(normalized string) []string {
	var out []string
	for _, tok := range strings.Fields(normalized) {
		if _, skip := stopWords[tok]; skip {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// filterRemote returns descriptors whose label contains every token as a
// substring, capped at remoteMatchLimit, in catalog iteration order.
func filterRemote(vars []census.RemoteVariable, tokens []string) []catalog.Descriptor {
	if len(tokens) == 0 {
		return nil
	}
	var out []catalog.Descriptor
	for _, v := range vars {
		label := strings.ToLower(v.Label)
		all := true
		for _, tok := range tokens {
			if !strings.Contains(label, tok) {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		out = append(out, catalog.Descriptor{ID: v.ID, Label: v.Label, Concept: v.Concept})
		if len(out) == remoteMatchLimit {
			break
		}
	}
	return out
}
