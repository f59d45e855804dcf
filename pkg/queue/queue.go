// Package queue provides the per-deployment-id work queue described in
// the concurrency model: every deployment's preparation and execution
// work is serialized onto a single goroutine for that id, so a stalled
// or slow deployment never blocks another one (spec §5).
package queue

import (
	"sync"

	"github.com/asgardops/maestro/pkg/log"
)

// Job is one unit of serialized work for a deployment.
type Job func()

// Queue dispatches jobs to per-key workers. Each key gets its own
// buffered channel and goroutine; jobs for the same key always run in
// submission order and never overlap.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{workers: make(map[string]*worker)}
}

type worker struct {
	jobs chan Job
	done chan struct{}
}

// Submit enqueues job to run on key's worker, starting the worker on
// first use. The worker's channel buffers 64 jobs; Submit blocks only
// while that buffer is full.
func (q *Queue) Submit(key string, job Job) {
	q.workerFor(key).jobs <- job
}

func (q *Queue) workerFor(key string) *worker {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[key]
	if ok {
		return w
	}
	w = &worker{jobs: make(chan Job, 64), done: make(chan struct{})}
	q.workers[key] = w
	go q.run(key, w)
	return w
}

func (q *Queue) run(key string, w *worker) {
	logger := log.WithComponent("queue").With().Str("key", key).Logger()
	logger.Debug().Msg("worker started")
	for {
		select {
		case job := <-w.jobs:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).Msg("job panicked")
					}
				}()
				job()
			}()
		case <-w.done:
			logger.Debug().Msg("worker stopped")
			return
		}
	}
}

// Stop tears down the worker for key, if one exists. Queued jobs that
// have not yet run are dropped.
func (q *Queue) Stop(key string) {
	q.mu.Lock()
	w, ok := q.workers[key]
	if ok {
		delete(q.workers, key)
	}
	q.mu.Unlock()
	if ok {
		close(w.done)
	}
}

// Len reports how many keys currently have an active worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}
