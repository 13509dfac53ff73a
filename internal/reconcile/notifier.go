package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/equb-sync/internal/metrics"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/devblac/equb-sync/internal/storage"
)

const defaultDedupeTTL = 24 * time.Hour

// Route is one configured sink and the notification kinds it subscribes to.
type Route struct {
	ID     string
	Sender sink.Sender
	// Wants filters by kind; nil accepts everything.
	Wants func(kind string) bool
}

// Notifier fans reconciler notifications out to sinks. Delivery is best effort: failures
// are logged and counted, never returned, so a dead webhook cannot stall reconciliation.
type Notifier struct {
	routes  []Route
	store   *storage.Store
	bucket  *TokenBucket
	metrics *metrics.Metrics
	logger  *slog.Logger
	ttl     time.Duration
	dryRun  bool
	now     func() time.Time
}

// NotifierOptions configures a Notifier. A nil Store disables dedupe and a nil Bucket
// disables rate limiting.
type NotifierOptions struct {
	Store     *storage.Store
	Bucket    *TokenBucket
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	DedupeTTL time.Duration
	DryRun    bool
}

func NewNotifier(routes []Route, opts NotifierOptions) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &Notifier{
		routes:  routes,
		store:   opts.Store,
		bucket:  opts.Bucket,
		metrics: opts.Metrics,
		logger:  logger,
		ttl:     ttl,
		dryRun:  opts.DryRun,
		now:     time.Now,
	}
}

// Notify delivers n to every route that wants its kind. A nil Notifier drops everything.
func (n *Notifier) Notify(ctx context.Context, note sink.Notification) {
	if n == nil || len(n.routes) == 0 {
		return
	}
	now := n.now()
	if note.Time.IsZero() {
		note.Time = now.UTC()
	}
	key := dedupeKey(note)
	if n.store != nil && key != "" {
		dup, err := n.store.IsDuplicate(ctx, key, now)
		if err != nil {
			n.logger.Warn("dedupe lookup failed", "key", key, "err", err)
		}
		if dup {
			return
		}
	}
	if n.bucket != nil && !n.bucket.Allow(now) {
		n.metrics.NotificationDropped()
		n.logger.Warn("notification rate limited", "kind", note.Kind, "equb", note.EqubID)
		return
	}
	if n.store != nil && key != "" {
		if err := n.store.MarkDedupe(ctx, key, now.Add(n.ttl)); err != nil {
			n.logger.Warn("dedupe mark failed", "key", key, "err", err)
		}
	}

	for _, r := range n.routes {
		if r.Sender == nil || (r.Wants != nil && !r.Wants(note.Kind)) {
			continue
		}
		if n.dryRun {
			n.logger.Info("dry-run notification", "sink", r.ID, "kind", note.Kind, "equb", note.EqubID)
			continue
		}
		if err := r.Sender.Send(ctx, note); err != nil {
			n.metrics.NotificationDropped()
			n.logger.Error("sink send failed", "sink", r.ID, "kind", note.Kind, "err", err)
			continue
		}
		n.metrics.NotificationSent()
	}
}

// dedupeKey identifies a notification across redeliveries of the same event.
// Notifications without a transaction are never deduplicated.
func dedupeKey(n sink.Notification) string {
	if n.TxHash == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s:%s:%d", n.Kind, n.ChainID, n.EqubID, n.TxHash, n.Round)
}
