package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner schedules and executes background tasks on cron expressions.
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *log.Logger
	wg       sync.WaitGroup
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger overrides the runner's logger.
func WithRunnerLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for the given registry.
func NewRunner(registry *TaskRegistry, opts ...RunnerOption) *Runner {
	r := &Runner{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		logger:   log.New(os.Stdout, "[runner] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules every registered task and blocks until shutdown.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Println("starting task runner")

	for name, task := range r.registry.All() {
		r.logger.Printf("scheduling task %s (%s)", name, task.Schedule())

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("schedule task %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.logger.Println("task runner started")

	return r.waitForShutdown(ctx)
}

// RunOnce executes a single task by name outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	r.executeTask(ctx, task)
	return nil
}

func (r *Runner) executeTask(ctx context.Context, task Task) {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	r.logger.Printf("running task %s", task.Name())

	start := time.Now()
	err := task.Run(taskCtx)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Printf("task %s failed after %v: %v", task.Name(), elapsed, err)
		return
	}
	r.logger.Printf("task %s finished in %v", task.Name(), elapsed)
}

// Stop halts the scheduler and waits for in-flight tasks.
func (r *Runner) Stop() {
	r.logger.Println("stopping task runner")

	ctx := r.cron.Stop()
	r.wg.Wait()

	r.logger.Println("task runner stopped")
	<-ctx.Done()
}

func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		r.logger.Printf("received signal %v", sig)
		r.Stop()
		return nil
	case <-ctx.Done():
		r.logger.Println("context cancelled")
		r.Stop()
		return ctx.Err()
	}
}
