package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"budgetmirror/internal/core"
	"budgetmirror/internal/log"
	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}).Write(w)
}

// handleReady checks that the mirror can be read and reports the sync
// processor's state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if budgets, err := s.reports.Budgets(ctx); err != nil {
		checks["store"] = fmt.Sprintf("failed: %v", err)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = map[string]any{"status": "ok", "budgets": len(budgets)}
	}

	if s.processor != nil {
		stats := s.processor.Stats()
		syncCheck := map[string]any{
			"running":              s.processor.IsRunning(),
			"passes":               stats.Passes,
			"consecutive_failures": stats.ConsecutiveFailures,
		}
		if !stats.LastSuccess.IsZero() {
			syncCheck["last_success"] = stats.LastSuccess.Format(time.RFC3339)
		}
		checks["sync"] = syncCheck
	}

	cacheStats := s.reports.CacheStats()
	checks["cache"] = map[string]any{"entries": cacheStats.Size, "status": "ok"}

	NewJSONResponse().Status(httpStatus).Data(map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics provides application metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	traceMetrics := s.trace.GetMetrics()
	limitMetrics := s.limiter.GetMetrics()
	cacheStats := s.reports.CacheStats()

	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", traceMetrics.TotalRequests)

	fmt.Fprintf(w, "# HELP http_requests_failed_total HTTP requests answered with status >= 400\n")
	fmt.Fprintf(w, "# TYPE http_requests_failed_total counter\n")
	fmt.Fprintf(w, "http_requests_failed_total %d\n\n", traceMetrics.FailedRequests)

	fmt.Fprintf(w, "# HELP report_cache_hits_total Total report cache hits\n")
	fmt.Fprintf(w, "# TYPE report_cache_hits_total counter\n")
	fmt.Fprintf(w, "report_cache_hits_total %d\n\n", cacheStats.Hits)

	fmt.Fprintf(w, "# HELP report_cache_misses_total Total report cache misses\n")
	fmt.Fprintf(w, "# TYPE report_cache_misses_total counter\n")
	fmt.Fprintf(w, "report_cache_misses_total %d\n\n", cacheStats.Misses)

	fmt.Fprintf(w, "# HELP report_cache_entries Current report cache entries\n")
	fmt.Fprintf(w, "# TYPE report_cache_entries gauge\n")
	fmt.Fprintf(w, "report_cache_entries %d\n\n", cacheStats.Size)

	fmt.Fprintf(w, "# HELP rate_limit_hits_total Total rate limited requests\n")
	fmt.Fprintf(w, "# TYPE rate_limit_hits_total counter\n")
	fmt.Fprintf(w, "rate_limit_hits_total %d\n\n", limitMetrics.TotalHits)

	if s.processor != nil {
		stats := s.processor.Stats()
		fmt.Fprintf(w, "# HELP sync_passes_total Total periodic sync passes\n")
		fmt.Fprintf(w, "# TYPE sync_passes_total counter\n")
		fmt.Fprintf(w, "sync_passes_total %d\n\n", stats.Passes)

		fmt.Fprintf(w, "# HELP sync_failures_total Total failed periodic sync passes\n")
		fmt.Fprintf(w, "# TYPE sync_failures_total counter\n")
		fmt.Fprintf(w, "sync_failures_total %d\n\n", stats.Failures)
	}

	fmt.Fprintf(w, "# HELP uptime_seconds Application uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE uptime_seconds gauge\n")
	fmt.Fprintf(w, "uptime_seconds %.0f\n", time.Since(s.startedAt).Seconds())
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := s.reports.Budgets(r.Context())
	if err != nil {
		s.writeReportError(w, r, "list budgets", err)
		return
	}
	NewJSONResponse().Data(report.BudgetViews(budgets)).Write(w)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := s.reports.Budget(r.Context(), sanitizeInput(r.PathValue("budgetID")))
	if err != nil {
		s.writeReportError(w, r, "read budget", err)
		return
	}
	NewJSONResponse().Data(report.NewBudgetView(budget)).Write(w)
}

type accountView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OnBudget bool   `json:"on_budget"`
	Closed   bool   `json:"closed"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	budgetID := sanitizeInput(r.PathValue("budgetID"))
	if _, err := s.reports.Budget(r.Context(), budgetID); err != nil {
		s.writeReportError(w, r, "list accounts", err)
		return
	}
	accounts, err := s.reports.Accounts(r.Context(), budgetID)
	if err != nil {
		s.writeReportError(w, r, "list accounts", err)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{ID: a.ID, Name: a.Name, OnBudget: a.OnBudget, Closed: a.Closed})
	}
	NewJSONResponse().Data(views).Write(w)
}

// handleAccountExists answers 200 when the budget holds the account and
// 404 otherwise.
func (s *Server) handleAccountExists(w http.ResponseWriter, r *http.Request) {
	budgetID := sanitizeInput(r.PathValue("budgetID"))
	accountID := sanitizeInput(r.PathValue("accountID"))

	ok, err := s.reports.HasAccount(r.Context(), budgetID, accountID)
	if err != nil {
		s.writeReportError(w, r, "check account", err)
		return
	}
	if !ok {
		NotFoundError(fmt.Sprintf("%v: %s", report.ErrUnknownAccount, accountID)).Write(w)
		return
	}
	NewJSONResponse().Data(map[string]any{
		"budget_id":  budgetID,
		"account_id": accountID,
		"exists":     true,
	}).Write(w)
}

type groupView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Hidden bool   `json:"hidden"`
}

func (s *Server) handleCategoryGroups(w http.ResponseWriter, r *http.Request) {
	budgetID := sanitizeInput(r.PathValue("budgetID"))
	if _, err := s.reports.Budget(r.Context(), budgetID); err != nil {
		s.writeReportError(w, r, "list category groups", err)
		return
	}
	groups, err := s.reports.CategoryGroups(r.Context(), budgetID)
	if err != nil {
		s.writeReportError(w, r, "list category groups", err)
		return
	}

	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, groupView{ID: g.ID, Name: g.Name, Hidden: g.Hidden})
	}
	NewJSONResponse().Data(views).Write(w)
}

func (s *Server) handleGroupTotals(w http.ResponseWriter, r *http.Request) {
	s.serveTotals(w, r, "category group totals", s.reports.CategoryGroupTotals)
}

func (s *Server) handleCategoryTotals(w http.ResponseWriter, r *http.Request) {
	s.serveTotals(w, r, "category totals", s.reports.CategoryTotals)
}

func (s *Server) handleGroupTrends(w http.ResponseWriter, r *http.Request) {
	s.serveTrends(w, r, "group trends", s.reports.GroupTrends)
}

func (s *Server) handleCategoryTrends(w http.ResponseWriter, r *http.Request) {
	s.serveTrends(w, r, "category trends", s.reports.CategoryTrends)
}

func (s *Server) serveTotals(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, report.Request) ([]core.CategoryRecord, error)) {
	req, err := ParseReportRequest(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	records, err := run(r.Context(), req)
	if err != nil {
		s.writeReportError(w, r, op, err)
		return
	}
	NewJSONResponse().Data(report.RecordViews(records)).Write(w)
}

func (s *Server) serveTrends(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, report.Request) ([]core.TrendRecord, error)) {
	req, err := ParseReportRequest(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	records, err := run(r.Context(), req)
	if err != nil {
		s.writeReportError(w, r, op, err)
		return
	}
	NewJSONResponse().Data(report.TrendViews(records)).Write(w)
}

type stageView struct {
	Stage    string `json:"stage"`
	BudgetID string `json:"budget_id,omitempty"`
	Records  int    `json:"records"`
	Cursor   string `json:"cursor"`
	Skipped  bool   `json:"skipped,omitempty"`
}

type syncView struct {
	Budgets    int         `json:"budgets"`
	Pruned     []string    `json:"pruned,omitempty"`
	Committed  bool        `json:"committed"`
	Stages     []stageView `json:"stages"`
	StartedAt  string      `json:"started_at"`
	FinishedAt string      `json:"finished_at"`
}

// handleSync runs a pass. Failures surface only as "sync failed, try
// again"; the stage, budget and cursor are logged.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		ServiceUnavailableError("sync is not available").Write(w)
		return
	}
	if !isJSONContent(r) {
		ErrorResponse(http.StatusUnsupportedMediaType, "expected application/json").Write(w)
		return
	}
	body, err := ParseSyncBody(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	var result *services.PassResult
	if body.Full {
		result, err = s.syncer.ForceFullResync(r.Context())
	} else {
		result, err = s.syncer.Refresh(r.Context(), services.RefreshOptions{BudgetIDs: body.BudgetIDs})
	}
	if err != nil {
		log.NewStructuredLogger(log.FromContext(r.Context())).LogError(r.Context(), "Sync request failed", err,
			log.OpSync, log.NewFields().With("full", body.Full))
		ServiceUnavailableError(services.ErrSyncFailed.Error()).
			Header("Retry-After", "30").
			Write(w)
		return
	}

	view := syncView{
		Budgets:    result.Budgets,
		Pruned:     result.Pruned,
		Committed:  result.Committed(),
		Stages:     make([]stageView, 0, len(result.Outcomes)),
		StartedAt:  result.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt: result.FinishedAt.UTC().Format(time.RFC3339),
	}
	for _, o := range result.Outcomes {
		view.Stages = append(view.Stages, stageView{
			Stage:    string(o.Stage),
			BudgetID: o.BudgetID,
			Records:  o.Records,
			Cursor:   o.Cursor.String(),
			Skipped:  o.Skipped,
		})
	}
	NewJSONResponse().Data(view).Write(w)
}

// handleExport writes category group totals for the query's range to the
// configured spreadsheet.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		ServiceUnavailableError("export is not configured").Write(w)
		return
	}
	req, err := ParseReportRequest(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	result, err := s.exporter.ExportGroupTotals(r.Context(), req)
	if err != nil {
		if isClientError(err) {
			s.writeReportError(w, r, "export", err)
			return
		}
		log.NewStructuredLogger(log.FromContext(r.Context())).LogError(r.Context(), "Export failed", err,
			log.OpExport, log.NewFields().WithBudgetID(req.BudgetID))
		ErrorResponse(http.StatusBadGateway, "export failed, try again").Write(w)
		return
	}
	NewJSONResponse().Data(map[string]any{
		"range": result.Range,
		"rows":  result.Rows,
	}).Write(w)
}

func isClientError(err error) bool {
	return errors.Is(err, report.ErrUnknownBudget) ||
		errors.Is(err, report.ErrUnknownAccount) ||
		errors.Is(err, report.ErrInvalidRequest) ||
		errors.Is(err, report.ErrEmptyGroupID) ||
		errors.Is(err, report.ErrEmptyAccount) ||
		errors.Is(err, core.ErrEmptyBudgetID)
}

// writeReportError maps lookup and validation errors to 4xx and hides
// everything else behind a 500.
func (s *Server) writeReportError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, report.ErrUnknownBudget), errors.Is(err, report.ErrUnknownAccount):
		NotFoundError(err.Error()).Write(w)
	case isClientError(err):
		BadRequestError(err.Error()).Write(w)
	default:
		log.NewStructuredLogger(log.FromContext(r.Context())).LogError(r.Context(), "Report request failed", err,
			strings.ReplaceAll(op, " ", "_"), nil)
		InternalServerError("internal error").Write(w)
	}
}
