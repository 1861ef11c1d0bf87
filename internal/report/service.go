package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"budgetmirror/internal/cache"
	"budgetmirror/internal/core"
	"budgetmirror/internal/log"
	"budgetmirror/internal/storage"
)

var ErrUnknownAccount = errors.New("unknown account")

// Request selects the data a report covers. GroupID is only used by the
// per-category reports. An empty Accounts slice means every account.
type Request struct {
	BudgetID string
	GroupID  string
	Dates    core.DateRange
	Accounts []string
}

// ServiceConfig sizes the result caches.
type ServiceConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{CacheSize: 256, CacheTTL: 10 * time.Minute}
}

// Service fronts the Engine with request validation and a result cache.
// Cache keys include the budget's cursors, which change when another
// process commits, and a per-budget generation that Invalidate bumps after
// an in-process commit. A query that overlaps an Invalidate stores its
// result under the old generation, where no later request looks.
type Service struct {
	engine    *Engine
	store     *storage.Store
	knowledge *storage.KnowledgeTracker
	totals    *cache.LRUCache[[]core.CategoryRecord]
	trends    *cache.LRUCache[[]core.TrendRecord]

	mu          sync.Mutex
	generations map[string]uint64
}

func NewService(store *storage.Store, cfg ServiceConfig) *Service {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultServiceConfig().CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultServiceConfig().CacheTTL
	}
	return &Service{
		engine:    NewEngine(store),
		store:     store,
		knowledge: storage.NewKnowledgeTracker(store),
		totals:    cache.NewLRUCache[[]core.CategoryRecord](cfg.CacheSize, cfg.CacheTTL),
		trends:    cache.NewLRUCache[[]core.TrendRecord](cfg.CacheSize, cfg.CacheTTL),

		generations: make(map[string]uint64),
	}
}

// Caches returns the caches for registration with a cache.Manager.
func (s *Service) Caches() []cache.Cleaner {
	return []cache.Cleaner{s.totals, s.trends}
}

// CacheStats sums the counters of the result caches.
func (s *Service) CacheStats() cache.Stats {
	a, b := s.totals.Stats(), s.trends.Stats()
	return cache.Stats{Hits: a.Hits + b.Hits, Misses: a.Misses + b.Misses, Size: a.Size + b.Size}
}

// Invalidate drops every cached report of budgetID. Its signature matches
// services.CommitHook.
func (s *Service) Invalidate(ctx context.Context, budgetID string) {
	s.mu.Lock()
	s.generations[budgetID]++
	s.mu.Unlock()

	prefix := budgetID + "|"
	n := s.totals.PurgePrefix(prefix) + s.trends.PurgePrefix(prefix)
	if n > 0 {
		slog.DebugContext(ctx, "Report cache invalidated",
			log.FieldComponent, log.ComponentCache, log.FieldBudgetID, budgetID, "entries", n)
	}
}

func (s *Service) Budgets(ctx context.Context) ([]core.BudgetSummary, error) {
	return s.store.BudgetSummaries(ctx)
}

func (s *Service) Budget(ctx context.Context, budgetID string) (core.BudgetSummary, error) {
	b, err := s.store.BudgetSummary(ctx, budgetID)
	if errors.Is(err, storage.ErrNotFound) {
		return b, fmt.Errorf("%w: %s", ErrUnknownBudget, budgetID)
	}
	return b, err
}

func (s *Service) HasBudget(ctx context.Context, budgetID string) (bool, error) {
	return s.store.HasBudget(ctx, budgetID)
}

func (s *Service) HasAccount(ctx context.Context, budgetID, accountID string) (bool, error) {
	return s.store.HasAccount(ctx, budgetID, accountID)
}

func (s *Service) Accounts(ctx context.Context, budgetID string) ([]core.Account, error) {
	return s.store.Accounts(ctx, budgetID)
}

func (s *Service) CategoryGroups(ctx context.Context, budgetID string) ([]core.CategoryGroup, error) {
	return s.store.CategoryGroups(ctx, budgetID)
}

func (s *Service) CategoryGroupTotals(ctx context.Context, req Request) ([]core.CategoryRecord, error) {
	key, err := s.prepare(ctx, "group_totals", req)
	if err != nil {
		return nil, err
	}
	return cached(s.totals, key, func() ([]core.CategoryRecord, error) {
		return s.engine.CategoryGroupTotals(ctx, req.BudgetID, req.Dates, req.Accounts)
	})
}

func (s *Service) CategoryTotals(ctx context.Context, req Request) ([]core.CategoryRecord, error) {
	key, err := s.prepare(ctx, "category_totals", req)
	if err != nil {
		return nil, err
	}
	return cached(s.totals, key, func() ([]core.CategoryRecord, error) {
		return s.engine.CategoryTotals(ctx, req.BudgetID, req.GroupID, req.Dates, req.Accounts)
	})
}

func (s *Service) GroupTrends(ctx context.Context, req Request) ([]core.TrendRecord, error) {
	key, err := s.prepare(ctx, "group_trends", req)
	if err != nil {
		return nil, err
	}
	return cached(s.trends, key, func() ([]core.TrendRecord, error) {
		return s.engine.GroupTrends(ctx, req.BudgetID, req.Dates, req.Accounts)
	})
}

func (s *Service) CategoryTrends(ctx context.Context, req Request) ([]core.TrendRecord, error) {
	key, err := s.prepare(ctx, "category_trends", req)
	if err != nil {
		return nil, err
	}
	return cached(s.trends, key, func() ([]core.TrendRecord, error) {
		return s.engine.CategoryTrends(ctx, req.BudgetID, req.GroupID, req.Dates, req.Accounts)
	})
}

// prepare checks that the budget and every filtered account exist and
// returns the cache key for the request.
func (s *Service) prepare(ctx context.Context, op string, req Request) (string, error) {
	gen := s.generation(req.BudgetID)

	ok, err := s.store.HasBudget(ctx, req.BudgetID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBudget, req.BudgetID)
	}
	for _, id := range req.Accounts {
		ok, err := s.store.HasAccount(ctx, req.BudgetID, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
	}

	k, err := s.knowledge.Knowledge(ctx, req.BudgetID)
	if err != nil {
		return "", err
	}

	accounts := append([]string(nil), req.Accounts...)
	sort.Strings(accounts)
	return strings.Join([]string{
		req.BudgetID, op, req.GroupID,
		req.Dates.From.String(), req.Dates.To.String(),
		strings.Join(accounts, ","),
		k.Categories.String(), k.Transactions.String(),
		strconv.FormatUint(gen, 10),
	}, "|"), nil
}

func (s *Service) generation(budgetID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[budgetID]
}

func cached[T any](c *cache.LRUCache[T], key string, load func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}
