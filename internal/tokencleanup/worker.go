package tokencleanup

import (
	"context"
	"log/slog"
	"sync"
)

type action int

const (
	actionRevoke action = iota + 1
	actionDelete
)

func (a action) String() string {
	if a == actionDelete {
		return "delete"
	}
	return "revoke"
}

type task struct {
	token  Token
	action action
}

type worker struct {
	id     int
	pool   chan chan task
	tasks  chan task
	logger *slog.Logger
}

func newWorker(id int, pool chan chan task, logger *slog.Logger) *worker {
	return &worker{
		id:     id,
		pool:   pool,
		tasks:  make(chan task),
		logger: logger,
	}
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(task)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.pool <- w.tasks:
			case <-ctx.Done():
				return
			}

			select {
			case t := <-w.tasks:
				w.logger.Debug("cleanup worker processing token", "worker_id", w.id, "token_id", t.token.ID, "action", t.action.String())
				process(t)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// runPool hands every task to one of n workers and returns once all handed
// out tasks are processed. Tasks not yet dispatched when ctx ends are dropped.
func runPool(ctx context.Context, n int, tasks []task, logger *slog.Logger, process func(task)) {
	if len(tasks) == 0 {
		return
	}
	if n > len(tasks) {
		n = len(tasks)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	pool := make(chan chan task, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		newWorker(i, pool, logger).start(poolCtx, &wg, process)
	}

dispatch:
	for _, t := range tasks {
		select {
		case ch := <-pool:
			select {
			case ch <- t:
			case <-ctx.Done():
				break dispatch
			}
		case <-ctx.Done():
			break dispatch
		}
	}

	cancel()
	wg.Wait()
}
