package cli

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budgetmirror/internal/config"
	"budgetmirror/internal/core"
	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SQLiteDBPath:    filepath.Join(t.TempDir(), "mirror.db"),
		RemoteSource:    config.SourceMemory,
		RemoteSeedFile:  filepath.Join("..", "remote", "memory", "testdata", "seed.json"),
		ReportCacheSize: 16,
		ReportCacheTTL:  time.Minute,
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		logger := SetupLogger(tt.level)
		ctx := context.Background()
		if !logger.Enabled(ctx, tt.want) {
			t.Errorf("SetupLogger(%q) does not enable %v", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(ctx, tt.want-4) {
			t.Errorf("SetupLogger(%q) enables levels below %v", tt.level, tt.want)
		}
	}
}

func TestNewCoreSyncsAndReports(t *testing.T) {
	ctx := context.Background()
	c, err := NewCore(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	result, err := c.Worker.Refresh(ctx, services.RefreshOptions{PruneMissing: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Budgets)
	assert.True(t, result.Committed())

	req := report.Request{
		BudgetID: "household",
		Dates:    core.DateRange{From: core.NewDate(2024, 3, 1), To: core.NewDate(2024, 3, 31)},
	}
	totals, err := c.Reports.CategoryGroupTotals(ctx, req)
	require.NoError(t, err)

	byName := map[string]int64{}
	for _, r := range totals {
		byName[r.Name] = r.Total.Amount
	}
	assert.Equal(t, int64(-154500), byName["Fixed Expenses"])
	assert.Equal(t, int64(-8250), byName["Everyday"])
	// The internal group only carries its Uncategorized entries.
	assert.Equal(t, int64(-1200), byName[core.InternalMasterCategory])
	assert.Len(t, byName, 3)
}

func TestNewCoreRejectsBadSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.RemoteSource = "carrier-pigeon"

	_, err := NewCore(context.Background(), cfg, nil)
	assert.Error(t, err)
}
