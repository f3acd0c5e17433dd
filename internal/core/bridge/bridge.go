// Package bridge adapts the job processor's notification stream and the
// content repository's mutation hooks into bus events. Pure translation: no
// business logic, no filtering beyond dropping kinds the schema cannot
// express.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/domain"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// DefaultStatusInterval is how often the periodic QueueStatus snapshot is
// broadcast.
const DefaultStatusInterval = 15 * time.Second

// Bridge publishes translated upstream notifications onto the bus. It also
// tracks queue depth from the notifications it sees, implementing
// ports.QueueStatusSource for refresh snapshots and the periodic broadcast.
type Bridge struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	pending int64
	active  int64
}

var _ ports.QueueStatusSource = (*Bridge)(nil)

// New creates a bridge publishing to b.
func New(b *bus.Bus, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:    b,
		logger: logger.With("component", "event_bridge"),
	}
}

// Run consumes job notifications until the channel closes (processor
// shutdown) or ctx is canceled, translating and publishing each one.
func (br *Bridge) Run(ctx context.Context, notifications <-chan ports.JobNotification) {
	for {
		select {
		case <-ctx.Done():
			br.logger.Info("bridge stopping", "reason", ctx.Err())
			return
		case n, ok := <-notifications:
			if !ok {
				br.logger.Info("bridge stopping", "reason", "notification channel closed")
				return
			}
			br.handle(n)
		}
	}
}

// RunStatusTicker broadcasts a QueueStatus snapshot every interval until ctx
// is canceled.
func (br *Bridge) RunStatusTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, active, _ := br.QueueStatus(ctx)
			br.bus.Publish(domain.QueueStatus{Pending: pending, Active: active})
		}
	}
}

// ContentUpdated is the content repository's mutation hook, called
// synchronously after a successful write. Titles are truncated to the
// schema cap before publication.
func (br *Bridge) ContentUpdated(contentID uuid.UUID, title string) {
	br.bus.Publish(domain.ContentUpdated{
		ContentID: contentID,
		Title:     domain.TruncateTitle(title),
	})
}

// QueueStatus returns the queue depth as observed from the notification
// stream.
func (br *Bridge) QueueStatus(context.Context) (pending, active int64, err error) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.pending, br.active, nil
}

func (br *Bridge) handle(n ports.JobNotification) {
	event, ok := br.translate(n)
	if !ok {
		br.logger.Warn("dropping untranslatable job notification",
			"kind", n.Kind,
			"job_id", n.JobID,
		)
		return
	}
	br.trackQueueDepth(n.Kind)
	br.bus.Publish(event)
}

func (br *Bridge) translate(n ports.JobNotification) (domain.Event, bool) {
	switch n.Kind {
	case ports.JobKindQueued:
		return domain.JobQueued{JobID: n.JobID, JobKind: n.JobKind}, true
	case ports.JobKindStarted:
		return domain.JobStarted{JobID: n.JobID, JobKind: n.JobKind}, true
	case ports.JobKindProgress:
		return domain.JobProgress{
			JobID:   n.JobID,
			Percent: clampPercent(n.Percent),
			Message: n.Message,
		}, true
	case ports.JobKindCompleted:
		return domain.JobCompleted{JobID: n.JobID, JobKind: n.JobKind}, true
	case ports.JobKindFailed:
		return domain.JobFailed{
			JobID:         n.JobID,
			JobKind:       n.JobKind,
			ErrorCategory: classifyError(n.ErrorKind),
		}, true
	default:
		return nil, false
	}
}

func (br *Bridge) trackQueueDepth(kind string) {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch kind {
	case ports.JobKindQueued:
		br.pending++
	case ports.JobKindStarted:
		if br.pending > 0 {
			br.pending--
		}
		br.active++
	case ports.JobKindCompleted, ports.JobKindFailed:
		if br.active > 0 {
			br.active--
		}
	}
}

// classifyError maps the processor's failure label onto the coarse schema
// enum. Unrecognized labels collapse to "unknown" so internals never leak.
func classifyError(kind string) domain.ErrorCategory {
	switch kind {
	case "storage", "db", "io":
		return domain.ErrorCategoryStorage
	case "inference", "model", "backend":
		return domain.ErrorCategoryInference
	case "validation", "invalid_input":
		return domain.ErrorCategoryValidation
	case "canceled", "cancelled":
		return domain.ErrorCategoryCanceled
	default:
		return domain.ErrorCategoryUnknown
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
