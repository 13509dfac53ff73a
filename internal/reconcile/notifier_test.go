package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devblac/equb-sync/internal/sink"
	"github.com/stretchr/testify/require"
)

func TestNotifierDedupesRedeliveredEvents(t *testing.T) {
	store := newStore(t)
	sender := &recordingSender{}
	n := NewNotifier([]Route{{ID: "s", Sender: sender}}, NotifierOptions{Store: store, DedupeTTL: time.Hour})
	ctx := context.Background()

	note := sink.Notification{Kind: sink.KindReconcileError, ChainID: "c", EqubID: "5", TxHash: "0xdead", Error: "boom"}
	n.Notify(ctx, note)
	n.Notify(ctx, note)
	require.Len(t, sender.sent, 1)

	// Notifications without a transaction are not deduplicated.
	reorg := sink.Notification{Kind: sink.KindReorgDetected, ChainID: "c"}
	n.Notify(ctx, reorg)
	n.Notify(ctx, reorg)
	require.Len(t, sender.sent, 3)

	// Once the key expires the notification goes out again.
	n.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n.Notify(ctx, note)
	require.Len(t, sender.sent, 4)
}

func TestNotifierRateLimitAndFilter(t *testing.T) {
	errorsOnly := &recordingSender{}
	everything := &recordingSender{}
	n := NewNotifier([]Route{
		{ID: "errors", Sender: errorsOnly, Wants: func(kind string) bool { return kind == sink.KindReconcileError }},
		{ID: "all", Sender: everything},
	}, NotifierOptions{Bucket: NewTokenBucket(2, 0)})
	ctx := context.Background()

	n.Notify(ctx, sink.Notification{Kind: sink.KindContribution, TxHash: "0x1"})
	n.Notify(ctx, sink.Notification{Kind: sink.KindReconcileError, TxHash: "0x2"})
	n.Notify(ctx, sink.Notification{Kind: sink.KindReconcileError, TxHash: "0x3"})

	require.Equal(t, []string{sink.KindReconcileError}, errorsOnly.kinds())
	require.Equal(t, []string{sink.KindContribution, sink.KindReconcileError}, everything.kinds(), "third notification is rate limited")
}

func TestNotifierSwallowsSinkFailures(t *testing.T) {
	broken := &recordingSender{err: errors.New("502")}
	ok := &recordingSender{}
	n := NewNotifier([]Route{{ID: "broken", Sender: broken}, {ID: "ok", Sender: ok}}, NotifierOptions{})

	n.Notify(context.Background(), sink.Notification{Kind: sink.KindEqubStarted, EqubID: "1"})
	require.Len(t, ok.sent, 1)

	var nilNotifier *Notifier
	nilNotifier.Notify(context.Background(), sink.Notification{Kind: sink.KindEqubStarted})
}

func TestNotifierDryRunSendsNothing(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier([]Route{{ID: "s", Sender: sender}}, NotifierOptions{DryRun: true})
	n.Notify(context.Background(), sink.Notification{Kind: sink.KindEqubStarted, EqubID: "1"})
	require.Empty(t, sender.sent)
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(2, 1) // capacity=2, 1 token/sec
	now := time.Now()

	require.True(t, tb.Allow(now))
	require.True(t, tb.Allow(now))
	require.False(t, tb.Allow(now), "third call should be rate-limited")

	now = now.Add(1500 * time.Millisecond)
	require.True(t, tb.Allow(now), "token after refill")
}
