// Package runner schedules pipeline runs as independent units of work
// with soft and hard wall-clock limits.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/framelens/asset-training-backend/logger"
)

// Task is one schedulable unit of work. The context is cancelled when
// the soft time limit expires; tasks are expected to wind down
// cooperatively at their next checkpoint.
type Task func(ctx context.Context) error

// Runner executes tasks on their own goroutines. There is no cross-task
// coordination; concurrent runs only interact through the database.
type Runner struct {
	log  *logger.Logger
	soft time.Duration
	hard time.Duration
	wg   sync.WaitGroup
}

// New creates a runner with the given time limits
func New(log *logger.Logger, soft, hard time.Duration) *Runner {
	return &Runner{
		log:  log.With("component", "Runner"),
		soft: soft,
		hard: hard,
	}
}

// Submit starts a task in the background. Panics are recovered and
// logged so a misbehaving pipeline cannot take the process down.
func (r *Runner) Submit(name string, task Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.soft)
		defer cancel()

		// A task still running past the hard limit cannot be killed;
		// its entities stay in whatever state was last committed and
		// need manual inspection or resume.
		hardTimer := time.AfterFunc(r.hard, func() {
			r.log.Error("task exceeded hard time limit", "task", name, "limit", r.hard)
		})
		defer hardTimer.Stop()

		start := time.Now()
		if err := r.run(ctx, name, task); err != nil {
			r.log.Error("task failed", "task", name, "duration", time.Since(start), "error", err)
			return
		}
		r.log.Info("task finished", "task", name, "duration", time.Since(start))
	}()
}

func (r *Runner) run(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", name, rec)
		}
	}()
	return task(ctx)
}

// Wait blocks until all submitted tasks have returned, for shutdown
func (r *Runner) Wait() {
	r.wg.Wait()
}
