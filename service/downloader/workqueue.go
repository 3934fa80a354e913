package downloader

import (
	"context"
	"sync"
)

// WorkQueue runs a handler on a fixed number of workers.
// Every request may carry callbacks, invoked on the worker with the result.
type WorkQueue[T, U any] struct {
	requests chan workRequest[T, U]
	workers  int
	handler  func(context.Context, T) (U, error)
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewWorkQueue[T, U any](handler func(context.Context, T) (U, error), workers int) *WorkQueue[T, U] {
	if workers < 1 {
		workers = 1
	}
	return &WorkQueue[T, U]{
		requests: make(chan workRequest[T, U], workqueueBufferSize),
		workers:  workers,
		handler:  handler,
	}
}

// Start launches the workers. Handlers see the context of the request,
// so a cancelled request fails fast while the queue keeps running.
func (q *WorkQueue[T, U]) Start() {
	q.wg.Add(q.workers)
	for range q.workers {
		go func() {
			defer q.wg.Done()
			for req := range q.requests {
				resp, err := q.handler(req.ctx, req.message)
				if err != nil && len(req.callbacks) == 0 {
					logger.Errorf("background processing: %v", err)
				}
				for _, callback := range req.callbacks {
					callback(req.message, resp, err)
				}
			}
		}()
	}
}

// Stop waits for queued requests to drain and stops the workers.
// Enqueue must not be called after Stop.
func (q *WorkQueue[T, U]) Stop() {
	q.stopOnce.Do(func() {
		close(q.requests)
	})
	q.wg.Wait()
}

func (q *WorkQueue[T, U]) Enqueue(ctx context.Context, message T, callbacks ...func(T, U, error)) {
	q.requests <- workRequest[T, U]{ctx, message, callbacks}
}

type workRequest[T, U any] struct {
	ctx       context.Context
	message   T
	callbacks []func(T, U, error)
}

// workqueueBufferSize is the size of the workqueue channel
// buffer. This is a tradeoff between memory usage and
// responsiveness.
const workqueueBufferSize = 128
