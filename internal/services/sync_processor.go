package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"budgetmirror/internal/log"
)

// Refresher runs one refresh pass. Coordinator and worker.SyncWorker both
// satisfy it.
type Refresher interface {
	Refresh(ctx context.Context, opts RefreshOptions) (*PassResult, error)
}

// SyncProcessorConfig holds configuration for the sync processor
type SyncProcessorConfig struct {
	// PollInterval is how often a pass runs when the last one succeeded (default: 15m)
	PollInterval time.Duration

	// RetryInterval is the delay after a failed pass (default: 1m)
	RetryInterval time.Duration

	// MaxRetries is how many consecutive quick retries happen before the
	// processor falls back to PollInterval (default: 3)
	MaxRetries int
}

// DefaultSyncProcessorConfig returns sensible defaults
func DefaultSyncProcessorConfig() SyncProcessorConfig {
	return SyncProcessorConfig{
		PollInterval:  15 * time.Minute,
		RetryInterval: time.Minute,
		MaxRetries:    3,
	}
}

// ProcessorStats is a snapshot of the processor's history.
type ProcessorStats struct {
	Passes              int
	Failures            int
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastError           string
}

// SyncProcessor runs refresh passes periodically.
type SyncProcessor struct {
	refresher Refresher
	config    SyncProcessorConfig

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   ProcessorStats
}

// NewSyncProcessor creates a new sync processor
func NewSyncProcessor(refresher Refresher, config SyncProcessorConfig) *SyncProcessor {
	return &SyncProcessor{
		refresher: refresher,
		config:    config,
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *SyncProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("sync processor is already running")
	}
	if p.refresher == nil {
		p.mu.Unlock()
		return fmt.Errorf("sync processor has no refresher")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Sync processor started",
		log.FieldComponent, log.ComponentSync,
		"poll_interval", p.config.PollInterval,
		"retry_interval", p.config.RetryInterval)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *SyncProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Signal stop
	close(p.stopCh)

	// Wait for completion or context cancellation
	select {
	case <-p.doneCh:
		slog.InfoContext(ctx, "Sync processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

// IsRunning returns whether the processor is currently running
func (p *SyncProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns a copy of the current statistics.
func (p *SyncProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// runLoop is the main processing loop
func (p *SyncProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	// Process immediately on startup
	timer := time.NewTimer(p.runOnce(ctx))
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(p.runOnce(ctx))
		}
	}
}

// runOnce performs a pass and returns the delay until the next one.
func (p *SyncProcessor) runOnce(ctx context.Context) time.Duration {
	_, err := p.refresher.Refresh(ctx, RefreshOptions{})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Passes++

	if err == nil {
		p.stats.ConsecutiveFailures = 0
		p.stats.LastSuccess = time.Now()
		p.stats.LastError = ""
		return p.config.PollInterval
	}

	p.stats.Failures++
	p.stats.ConsecutiveFailures++
	p.stats.LastError = err.Error()

	if p.stats.ConsecutiveFailures > p.config.MaxRetries {
		slog.ErrorContext(ctx, "Refresh keeps failing, waiting for next poll",
			log.FieldComponent, log.ComponentSync,
			"attempts", p.stats.ConsecutiveFailures,
			log.FieldError, err)
		return p.config.PollInterval
	}

	slog.WarnContext(ctx, "Refresh failed, will retry",
		log.FieldComponent, log.ComponentSync,
		"attempt", p.stats.ConsecutiveFailures,
		"retry_in", p.config.RetryInterval,
		log.FieldError, err)
	return p.config.RetryInterval
}
