package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"budgetmirror/internal/export/sheets"
	"budgetmirror/internal/log"
	"budgetmirror/internal/middleware/ratelimit"
	"budgetmirror/internal/middleware/security"
	"budgetmirror/internal/middleware/trace"
	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
)

// Syncer runs sync passes on behalf of POST /api/sync.
type Syncer interface {
	Refresh(ctx context.Context, opts services.RefreshOptions) (*services.PassResult, error)
	ForceFullResync(ctx context.Context) (*services.PassResult, error)
}

// Exporter writes a report to the configured spreadsheet.
type Exporter interface {
	ExportGroupTotals(ctx context.Context, req report.Request) (sheets.Result, error)
}

// Options wires the server's collaborators. Sync, Exporter and Processor
// are optional; the endpoints they back answer 503 when absent.
type Options struct {
	Reports   *report.Service
	Sync      Syncer
	Exporter  Exporter
	Processor *services.SyncProcessor
	Logger    *log.Logger
	RateLimit ratelimit.Config
}

type Server struct {
	http.Server
	reports   *report.Service
	syncer    Syncer
	exporter  Exporter
	processor *services.SyncProcessor

	trace     *trace.Middleware
	limiter   *ratelimit.Limiter
	startedAt time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default(log.ComponentHTTP)
	}

	s := &Server{
		reports:   opts.Reports,
		syncer:    opts.Sync,
		exporter:  opts.Exporter,
		processor: opts.Processor,
		trace:     trace.NewMiddleware(clientIP),
		limiter:   ratelimit.NewLimiter(opts.RateLimit),
		startedAt: time.Now(),
	}

	limited := s.limiter.Middleware(clientIP, func(w http.ResponseWriter, r *http.Request) {
		TooManyRequestsError("rate limit exceeded, try again later").Write(w)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/budgets", s.handleBudgets)
	mux.HandleFunc("GET /api/budgets/{budgetID}", s.handleBudget)
	mux.HandleFunc("GET /api/budgets/{budgetID}/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/budgets/{budgetID}/accounts/{accountID}", s.handleAccountExists)
	mux.HandleFunc("GET /api/budgets/{budgetID}/category-groups", s.handleCategoryGroups)

	mux.HandleFunc("GET /api/budgets/{budgetID}/reports/group-totals", s.handleGroupTotals)
	mux.HandleFunc("GET /api/budgets/{budgetID}/reports/category-totals", s.handleCategoryTotals)
	mux.HandleFunc("GET /api/budgets/{budgetID}/reports/group-trends", s.handleGroupTrends)
	mux.HandleFunc("GET /api/budgets/{budgetID}/reports/category-trends", s.handleCategoryTrends)

	mux.Handle("POST /api/sync", limited(http.HandlerFunc(s.handleSync)))
	mux.Handle("POST /api/budgets/{budgetID}/export", limited(http.HandlerFunc(s.handleExport)))

	var handler http.Handler = mux
	handler = log.RequestIDMiddleware(func(r *http.Request) string {
		return trace.GetRequestID(r.Context())
	})(handler)
	handler = log.Middleware(opts.Logger)(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = s.trace.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       time.Minute,
	}
	return s
}

// Shutdown gracefully shuts down the server and the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
