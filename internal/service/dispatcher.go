package service

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dispatcher hands due instances to whatever advances them.
type Dispatcher interface {
	Dispatch(ctx context.Context, instanceIDs []string) error
}

// Advancer is the part of the engine a dispatcher drives.
type Advancer interface {
	Advance(ctx context.Context, instanceID string) error
}

// PoolDispatcher advances instances in process with bounded concurrency.
type PoolDispatcher struct {
	Engine      Advancer
	WorkerLimit int
	Logger      *slog.Logger
}

// Dispatch blocks until every instance has been processed. A failing
// instance is logged and does not stop the others.
func (d *PoolDispatcher) Dispatch(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	limit := d.WorkerLimit
	if limit < 1 {
		limit = 1
	}

	eg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, limit)
	for _, id := range instanceIDs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return eg.Wait()
		}
		eg.Go(func() error {
			defer func() { <-sem }()
			if err := d.Engine.Advance(ctx, id); err != nil {
				d.Logger.ErrorContext(ctx, "failed to advance instance", slog.String("instance_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	return eg.Wait()
}

// AsyncDispatcher hands instances to Inner in the background so a request
// that admits a large audience returns once admission is done. Call Wait
// before shutdown to let in-flight batches finish.
type AsyncDispatcher struct {
	Inner  Dispatcher
	Logger *slog.Logger

	wg sync.WaitGroup
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Inner.Dispatch(ctx, instanceIDs); err != nil {
			d.Logger.ErrorContext(ctx, "background dispatch failed", slog.Int("instances", len(instanceIDs)), slog.Any("error", err))
		}
	}()
	return nil
}

// Wait blocks until every background batch has returned.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
