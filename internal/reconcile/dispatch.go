package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devblac/equb-sync/internal/chain"
	"github.com/puzpuzpuz/xsync/v4"
)

// Applier applies a single event.
type Applier interface {
	Apply(ctx context.Context, ev chain.Event) error
}

type job struct {
	ctx    context.Context
	events []chain.Event
	done   chan<- error
}

type worker struct {
	jobs chan job
}

// Dispatcher gives every equb its own single-consumer queue. Events of one equb apply
// in the order they were dispatched; different equbs apply concurrently.
type Dispatcher struct {
	apply   Applier
	workers *xsync.Map[string, *worker]
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(apply Applier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		apply:   apply,
		workers: xsync.NewMap[string, *worker](),
		logger:  logger,
	}
}

// Dispatch groups events by equb and waits until every group has been applied. Within a
// group the first failure stops the remaining events of that equb; the errors of all
// failed groups are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, events []chain.Event) error {
	if len(events) == 0 {
		return nil
	}
	var order []string
	groups := make(map[string][]chain.Event)
	for _, ev := range events {
		key := ev.EqubKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	done := make(chan error, len(groups))
	for _, key := range order {
		w := d.worker(key)
		select {
		case w.jobs <- job{ctx: ctx, events: groups[key], done: done}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	for range order {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Close stops every worker and waits for in-flight groups to finish.
func (d *Dispatcher) Close() {
	d.workers.Range(func(key string, w *worker) bool {
		d.workers.Delete(key)
		close(w.jobs)
		return true
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker(key string) *worker {
	w, _ := d.workers.Compute(key, func(old *worker, loaded bool) (*worker, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		w := &worker{jobs: make(chan job, 1)}
		d.wg.Add(1)
		go d.run(key, w)
		return w, xsync.UpdateOp
	})
	return w
}

func (d *Dispatcher) run(key string, w *worker) {
	defer d.wg.Done()
	for j := range w.jobs {
		j.done <- d.applyGroup(j.ctx, key, j.events)
	}
}

func (d *Dispatcher) applyGroup(ctx context.Context, key string, events []chain.Event) error {
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.apply.Apply(ctx, ev); err != nil {
			if rest := len(events) - i - 1; rest > 0 {
				d.logger.Warn("equb queue halted", "equb", key, "remaining", rest)
			}
			return fmt.Errorf("equb %s: %w", key, err)
		}
	}
	return nil
}
