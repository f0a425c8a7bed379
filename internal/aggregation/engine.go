// Package aggregation answers cross-batch questions over committed findings:
// which hosts carry a finding, which findings a host carries, and how widely
// each finding is spread.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/scanledger/internal/model"
	"github.com/lvonguyen/scanledger/internal/normalization"
	"github.com/lvonguyen/scanledger/internal/observability"
	"github.com/lvonguyen/scanledger/internal/store"
)

// Query names, used as cache key segments and metric labels.
const (
	QueryAffectedHosts   = "affected_hosts"
	QueryFindingsForHost = "findings_for_host"
	QueryHostsForCVE     = "hosts_for_cve"
	QuerySummary         = "summary"
)

// FindingSummary is one finding and the number of distinct hosts reporting it.
type FindingSummary struct {
	FindingKey string `json:"finding_key"`
	HostCount  int    `json:"host_count"`
}

// Engine derives aggregation views from the store on every call. Nothing it
// computes is written back.
type Engine struct {
	store   store.Store
	cache   Cache
	logger  *zap.Logger
	metrics *observability.Metrics
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithCache serves repeated queries from c while the store generation is unchanged.
func WithCache(c Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics records query and cache outcomes on m.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine over s.
func NewEngine(s store.Store, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  s,
		logger: logger.With(zap.String("component", "aggregation")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueryOption adjusts a single query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	active func(dedupKey string) bool
}

// WithActiveFilter keeps only findings whose dedup key passes active. The
// lifecycle status behind it lives outside this module, so filtered queries
// are never cached.
func WithActiveFilter(active func(dedupKey string) bool) QueryOption {
	return func(o *queryOptions) { o.active = active }
}

func collect(opts []QueryOption) queryOptions {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AffectedHosts returns the sorted distinct hosts reporting findingKey in any
// committed batch.
func (e *Engine) AffectedHosts(ctx context.Context, findingKey string, opts ...QueryOption) ([]string, error) {
	var out []string
	err := e.cached(ctx, QueryAffectedHosts, findingKey, collect(opts), &out, func(o queryOptions) (any, error) {
		rows, err := e.store.HostFindings(ctx, store.Query{FindingKey: findingKey})
		if err != nil {
			return nil, err
		}
		return distinct(rows, o, func(hf model.HostFinding) string { return hf.Host }), nil
	})
	return out, err
}

// FindingsForHost returns the sorted distinct finding keys reported for host.
// The argument is normalized first, so any spelling of the host works.
func (e *Engine) FindingsForHost(ctx context.Context, host string, opts ...QueryOption) ([]string, error) {
	host = normalization.NormalizeHost(host)
	if host == "" {
		return []string{}, nil
	}
	var out []string
	err := e.cached(ctx, QueryFindingsForHost, host, collect(opts), &out, func(o queryOptions) (any, error) {
		rows, err := e.store.HostFindings(ctx, store.Query{Host: host})
		if err != nil {
			return nil, err
		}
		return distinct(rows, o, func(hf model.HostFinding) string { return hf.FindingKey }), nil
	})
	return out, err
}

// HostsForCVE returns the sorted distinct hosts whose CVE list names cve.
func (e *Engine) HostsForCVE(ctx context.Context, cve string, opts ...QueryOption) ([]string, error) {
	cve = strings.ToUpper(strings.TrimSpace(cve))
	if cve == "" {
		return []string{}, nil
	}
	var out []string
	err := e.cached(ctx, QueryHostsForCVE, cve, collect(opts), &out, func(o queryOptions) (any, error) {
		rows, err := e.store.HostFindings(ctx, store.Query{CVE: cve})
		if err != nil {
			return nil, err
		}
		return distinct(rows, o, func(hf model.HostFinding) string { return hf.Host }), nil
	})
	return out, err
}

// Summary returns every finding key with its distinct host count, widest first.
func (e *Engine) Summary(ctx context.Context, opts ...QueryOption) ([]FindingSummary, error) {
	var out []FindingSummary
	err := e.cached(ctx, QuerySummary, "all", collect(opts), &out, func(o queryOptions) (any, error) {
		rows, err := e.store.HostFindings(ctx, store.Query{})
		if err != nil {
			return nil, err
		}
		return summarize(rows, o), nil
	})
	return out, err
}

// cached runs compute, consulting the cache first when one is configured and
// no filter applies. dst must be a pointer to compute's result type.
func (e *Engine) cached(ctx context.Context, query, arg string, o queryOptions, dst any, compute func(queryOptions) (any, error)) error {
	if e.cache == nil || o.active != nil {
		outcome := "none"
		if e.cache != nil {
			outcome = "bypass"
		}
		e.metrics.ObserveAggregation(query, outcome)
		v, err := compute(o)
		if err != nil {
			return fmt.Errorf("%s: %w", query, err)
		}
		return assign(dst, v)
	}

	gen, err := e.store.Generation(ctx)
	if err != nil {
		return fmt.Errorf("%s: generation: %w", query, err)
	}
	key := cacheKey(gen, query, arg)

	hit, err := e.cache.Get(ctx, key, dst)
	if err != nil {
		e.logger.Warn("Aggregation cache read failed", zap.String("query", query), zap.Error(err))
	}
	if hit {
		e.metrics.ObserveAggregation(query, "hit")
		return nil
	}
	e.metrics.ObserveAggregation(query, "miss")

	v, err := compute(o)
	if err != nil {
		return fmt.Errorf("%s: %w", query, err)
	}
	if err := assign(dst, v); err != nil {
		return err
	}
	if err := e.cache.Set(ctx, key, v); err != nil {
		e.logger.Warn("Aggregation cache write failed", zap.String("query", query), zap.Error(err))
	}
	return nil
}

func assign(dst, v any) error {
	switch d := dst.(type) {
	case *[]string:
		*d = v.([]string)
	case *[]FindingSummary:
		*d = v.([]FindingSummary)
	default:
		return fmt.Errorf("aggregation: unsupported result type %T", dst)
	}
	return nil
}

func distinct(rows []model.HostFinding, o queryOptions, field func(model.HostFinding) string) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, hf := range rows {
		if o.active != nil && !o.active(hf.DedupKey) {
			continue
		}
		v := field(hf)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func summarize(rows []model.HostFinding, o queryOptions) []FindingSummary {
	hosts := make(map[string]map[string]struct{})
	for _, hf := range rows {
		if hf.Host == "" {
			continue
		}
		if o.active != nil && !o.active(hf.DedupKey) {
			continue
		}
		set, ok := hosts[hf.FindingKey]
		if !ok {
			set = make(map[string]struct{})
			hosts[hf.FindingKey] = set
		}
		set[hf.Host] = struct{}{}
	}

	out := make([]FindingSummary, 0, len(hosts))
	for key, set := range hosts {
		out = append(out, FindingSummary{FindingKey: key, HostCount: len(set)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostCount != out[j].HostCount {
			return out[i].HostCount > out[j].HostCount
		}
		return out[i].FindingKey < out[j].FindingKey
	})
	return out
}
