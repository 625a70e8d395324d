// Package host implements the privileged side of an aspia host: the
// user-session manager, per-session supervision, client sessions, and
// the shared desktop capture fan-out.
package host

import (
	"sync"
	"time"
)

// Runner executes posted tasks sequentially on a single goroutine. The
// manager and every user session confine their state to one runner;
// channel callbacks post here instead of mutating state cross-thread.
type Runner struct {
	tasks chan func()

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

const runnerQueueDepth = 1024

// NewRunner starts a runner goroutine.
func NewRunner() *Runner {
	r := &Runner{
		tasks: make(chan func(), runnerQueueDepth),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.done)
	for task := range r.tasks {
		task()
	}
}

// Post enqueues a task. Tasks run in post order. Posting to a stopped
// runner is a silent no-op: shutdown races resolve in favor of the
// stop.
func (r *Runner) Post(task func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.tasks <- task
}

// PostDelayed schedules a task to be posted after d. The returned timer
// may be stopped to cancel the wake-up.
func (r *Runner) PostDelayed(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() {
		r.Post(task)
	})
}

// Stop drains queued tasks and stops the runner. Blocks until the
// runner goroutine exits.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	close(r.tasks)
	r.mu.Unlock()
	<-r.done
}
