package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"budgetmirror/internal/amqp"
	"budgetmirror/internal/auth"
	"budgetmirror/internal/log"
	"budgetmirror/internal/services"
)

// Coordinator is the part of services.Coordinator the worker drives.
type Coordinator interface {
	Refresh(ctx context.Context, opts services.RefreshOptions) (*services.PassResult, error)
	ForceFullResync(ctx context.Context) (*services.PassResult, error)
}

// CompletionPublisher announces finished passes.
type CompletionPublisher interface {
	PublishSyncCompleted(ctx context.Context, msg *amqp.SyncCompletedMessage) error
}

// SyncWorker runs sync passes for the periodic processor, AMQP messages and
// HTTP requests. Identical concurrent requests share one pass, and passes
// never overlap.
type SyncWorker struct {
	coordinator Coordinator
	publisher   CompletionPublisher
	watcher     *auth.Watcher

	group singleflight.Group
	runMu sync.Mutex
}

// NewSyncWorker creates a worker. publisher may be nil.
func NewSyncWorker(coordinator Coordinator, publisher CompletionPublisher) *SyncWorker {
	w := &SyncWorker{
		coordinator: coordinator,
		publisher:   publisher,
	}
	w.watcher = auth.NewWatcher(auth.ResyncFunc(func(ctx context.Context) error {
		_, err := w.ForceFullResync(ctx)
		return err
	}))
	return w
}

// Refresh runs an incremental pass. It satisfies services.Refresher.
func (w *SyncWorker) Refresh(ctx context.Context, opts services.RefreshOptions) (*services.PassResult, error) {
	return w.run(ctx, refreshKey(opts), func() (*services.PassResult, error) {
		return w.coordinator.Refresh(ctx, opts)
	})
}

// ForceFullResync resets cursors and runs a pruning pass.
func (w *SyncWorker) ForceFullResync(ctx context.Context) (*services.PassResult, error) {
	return w.run(ctx, "resync", func() (*services.PassResult, error) {
		return w.coordinator.ForceFullResync(ctx)
	})
}

func (w *SyncWorker) run(ctx context.Context, key string, pass func() (*services.PassResult, error)) (*services.PassResult, error) {
	v, err, shared := w.group.Do(key, func() (any, error) {
		w.runMu.Lock()
		defer w.runMu.Unlock()
		return pass()
	})
	if shared {
		slog.DebugContext(ctx, "Joined running sync pass", log.FieldComponent, log.ComponentWorker, "key", key)
	}
	result, _ := v.(*services.PassResult)
	return result, err
}

// HandleSyncRequest processes a sync.request message. Pass failures are
// reported through sync.completed and logged; the message itself is
// acknowledged since the next trigger retries the whole pass.
func (w *SyncWorker) HandleSyncRequest(ctx context.Context, msg *amqp.SyncRequestMessage) error {
	slog.InfoContext(ctx, "Processing sync request",
		log.FieldComponent, log.ComponentWorker,
		"id", msg.ID,
		"full", msg.Full,
		"source", msg.Source,
		"budgets", len(msg.BudgetIDs))

	var (
		result *services.PassResult
		err    error
	)
	if msg.Full {
		result, err = w.ForceFullResync(ctx)
	} else {
		result, err = w.Refresh(ctx, services.RefreshOptions{BudgetIDs: msg.BudgetIDs})
	}
	w.announce(ctx, msg.ID, msg.Full, result, err)
	return nil
}

// HandleAuthState processes an auth.state message. A login after a logout
// triggers a full resync. A resync that failed for a lasting reason is
// acknowledged, since redelivery would only repeat it; any other failure
// is returned so the message is requeued.
func (w *SyncWorker) HandleAuthState(ctx context.Context, msg *amqp.AuthStateMessage) error {
	state, err := auth.ParseState(msg.State)
	if err != nil {
		slog.WarnContext(ctx, "Ignoring auth state message", log.FieldComponent, log.ComponentWorker, "id", msg.ID, log.FieldError, err)
		return nil
	}

	triggered, err := w.watcher.Observe(ctx, state)
	if !triggered {
		return nil
	}
	if err != nil {
		w.announce(ctx, msg.ID, true, nil, err)
		if services.IsPermanent(err) {
			slog.WarnContext(ctx, "Resync after login cannot succeed, dropping auth state message",
				log.FieldComponent, log.ComponentWorker, "id", msg.ID, log.FieldError, err)
			return nil
		}
		return fmt.Errorf("resync after login: %w", services.ErrSyncFailed)
	}
	w.announce(ctx, msg.ID, true, nil, nil)
	return nil
}

// Watcher exposes the worker's auth watcher for in-process state sources.
func (w *SyncWorker) Watcher() *auth.Watcher {
	return w.watcher
}

func (w *SyncWorker) announce(ctx context.Context, requestID string, full bool, result *services.PassResult, err error) {
	if w.publisher == nil {
		return
	}
	msg := amqp.NewSyncCompletedMessage(requestID)
	msg.Full = full
	msg.Success = err == nil
	if err != nil {
		msg.Error = services.ErrSyncFailed.Error()
	}
	if result != nil {
		msg.Budgets = result.Budgets
		msg.Committed = result.Committed()
	}
	if perr := w.publisher.PublishSyncCompleted(ctx, msg); perr != nil {
		slog.ErrorContext(ctx, "Failed to publish sync completion",
			log.FieldComponent, log.ComponentWorker, "request_id", requestID, log.FieldError, perr)
	}
}

func refreshKey(opts services.RefreshOptions) string {
	ids := append([]string(nil), opts.BudgetIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("refresh|%t|%s", opts.PruneMissing, strings.Join(ids, ","))
}
