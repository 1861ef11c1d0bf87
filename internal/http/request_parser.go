// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data
// shared by the report, sync and export handlers.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"budgetmirror/internal/report"
)

const maxBodyBytes = 64 << 10

// ParseReportRequest builds a report.Request from the path's budget ID and
// the from, to, group and account query parameters. account may repeat or
// hold a comma-separated list.
func ParseReportRequest(r *http.Request) (report.Request, error) {
	q := r.URL.Query()
	return report.ParseRequest(
		sanitizeInput(r.PathValue("budgetID")),
		sanitizeInput(q.Get("group")),
		q.Get("from"),
		q.Get("to"),
		q["account"],
	)
}

// SyncBody is the optional JSON body of POST /api/sync.
type SyncBody struct {
	BudgetIDs []string `json:"budget_ids"`
	Full      bool     `json:"full"`
}

// ParseSyncBody decodes a SyncBody. An empty body requests an incremental
// pass over every budget.
func ParseSyncBody(r *http.Request) (SyncBody, error) {
	var body SyncBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return SyncBody{}, nil
		}
		return SyncBody{}, fmt.Errorf("decode sync request: %w", err)
	}

	ids := body.BudgetIDs[:0]
	for _, id := range body.BudgetIDs {
		if id = sanitizeInput(id); id != "" {
			ids = append(ids, id)
		}
	}
	body.BudgetIDs = ids
	return body, nil
}

// isJSONContent reports whether the request body, if any, is JSON.
func isJSONContent(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json")
}
