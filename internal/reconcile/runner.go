package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/metrics"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/ethereum/go-ethereum/core/types"
)

// Source yields batches of confirmed events. Commit must only be called for a batch whose
// events all applied.
type Source interface {
	Next(ctx context.Context) (*chain.Batch, error)
	Commit(ctx context.Context, b *chain.Batch) error
}

type RunnerOptions struct {
	ChainID      string
	PollInterval time.Duration
	// Heads, when set, wakes the runner on every new head in addition to the poll ticker.
	Heads    chain.HeadSubscriber
	Notifier *Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Runner moves the scanner cursor forward one applied batch at a time.
type Runner struct {
	source   Source
	dispatch *Dispatcher
	heads    chain.HeadSubscriber
	notifier *Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	chainID  string
	poll     time.Duration
}

func NewRunner(source Source, dispatch *Dispatcher, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Runner{
		source:   source,
		dispatch: dispatch,
		heads:    opts.Heads,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logger,
		chainID:  opts.ChainID,
		poll:     poll,
	}
}

// RunOnce applies at most one batch and reports whether the source is caught up. A reorg
// is not an error: the scanner already rewound its cursor.
func (r *Runner) RunOnce(ctx context.Context) (caughtUp bool, err error) {
	b, err := r.source.Next(ctx)
	if errors.Is(err, chain.ErrReorgDetected) {
		r.metrics.Reorg()
		r.logger.Warn("reorg detected, cursor rewound", "err", err)
		r.notifier.Notify(ctx, sink.Notification{
			Kind:    sink.KindReorgDetected,
			ChainID: r.chainID,
			Message: err.Error(),
			Time:    time.Now().UTC(),
		})
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if b == nil {
		return true, nil
	}

	if err := r.dispatch.Dispatch(ctx, b.Events); err != nil {
		return false, fmt.Errorf("blocks %d-%d: %w", b.From, b.To, err)
	}
	if err := r.source.Commit(ctx, b); err != nil {
		return false, fmt.Errorf("commit blocks %d-%d: %w", b.From, b.To, err)
	}
	r.metrics.BlocksScanned(b.To-b.From+1, b.To)
	r.logger.Info("batch applied", "from", b.From, "to", b.To, "events", len(b.Events))
	return false, nil
}

// Drain applies batches until the source is caught up.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		caughtUp, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if caughtUp {
			return nil
		}
	}
}

// Run drains, then sleeps until the next head or poll tick, until ctx is cancelled.
// A failed pass is logged and retried from the same cursor on the next wake-up.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake := r.wakeups(ctx)
	for {
		if err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reconcile pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

func (r *Runner) wakeups(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go func() {
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()

		var (
			heads  chan *types.Header
			subErr <-chan error
		)
		if r.heads != nil {
			ch := make(chan *types.Header, 16)
			sub, err := r.heads.SubscribeNewHead(ctx, ch)
			if err != nil {
				r.logger.Warn("head subscription failed, polling only", "err", err)
			} else {
				defer sub.Unsubscribe()
				heads, subErr = ch, sub.Err()
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				signal()
			case <-heads:
				signal()
			case err := <-subErr:
				r.logger.Warn("head subscription ended, polling only", "err", err)
				heads, subErr = nil, nil
			}
		}
	}()
	return wake
}
