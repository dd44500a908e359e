// Package worker drains the durable task queue. Items are acknowledged only
// after the task ran, so a worker that dies mid-task leaves its item in
// flight until the recovery job returns it to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/queue"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

// Backoff after queue errors
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Runner executes one task
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Config configures a worker pool
type Config struct {
	// QueueName labels metrics and logs.
	QueueName   string
	Concurrency int
	// StaleAfter is how long an item may stay in flight before recovery
	// hands it out again.
	StaleAfter time.Duration
	// RecoverSchedule is a five-field cron expression. Empty disables the
	// recovery job.
	RecoverSchedule string
	// MaxAttempts bounds redelivery of items whose run keeps failing.
	MaxAttempts int
}

// Validate checks the config and fills defaults
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.RecoverSchedule != "" {
		if _, err := ParseCron(c.RecoverSchedule); err != nil {
			return &domain.ConfigurationError{Field: "recover schedule", Value: c.RecoverSchedule}
		}
	}
	return nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser().Parse(expr)
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// Pool runs Concurrency consumers against one queue
type Pool struct {
	queue  queue.Queue
	runner Runner
	config Config
}

// New creates a worker pool
func New(q queue.Queue, runner Runner, config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Pool{queue: q, runner: runner, config: config}, nil
}

// Run consumes the queue until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	log := clog.FromContext(ctx).With("queue", p.config.QueueName)
	ctx = clog.WithLogger(ctx, log)
	log.Infof("starting %d worker(s)", p.config.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return p.consume(clog.WithLogger(ctx, log.With("worker", id)))
		})
	}
	if p.config.RecoverSchedule != "" {
		g.Go(func() error {
			return p.recoverLoop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context) error {
	log := clog.FromContext(ctx)
	failures := 0
	for {
		d, err := p.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := calculateBackoff(failures)
			failures++
			log.Warnf("pop failed, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		p.Handle(ctx, d)
	}
}

// Handle runs one delivery and acknowledges it when it should not be
// delivered again.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) {
	ctx, span := telemetry.Tracer().Start(ctx, "queue.deliver", trace.WithAttributes(
		attribute.String("task.id", d.TaskID),
		attribute.Int("queue.attempt", d.Attempt),
	))
	defer span.End()
	log := clog.FromContext(ctx).With("task_id", d.TaskID, "attempt", d.Attempt)
	ctx = clog.WithLogger(ctx, log)

	err := p.run(ctx, d.TaskID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		log.Warnf("dropping delivery: %v", err)
	case d.Attempt >= p.config.MaxAttempts:
		span.SetStatus(codes.Error, err.Error())
		log.Errorf("giving up after %d attempts: %v", d.Attempt, err)
	default:
		// Left in flight; the recovery job hands it out again.
		span.SetStatus(codes.Error, err.Error())
		log.Errorf("task run failed: %v", err)
		return
	}

	if err := p.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		log.Errorf("ack: %v", err)
	}
}

func (p *Pool) run(ctx context.Context, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic running task %s: %v", taskID, r)
		}
	}()
	return p.runner.Run(ctx, taskID)
}

// RecoverStale returns stale in-flight items to the queue
func (p *Pool) RecoverStale(ctx context.Context) (int, error) {
	n, err := p.queue.Recover(ctx, p.config.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("recovering stale deliveries: %w", err)
	}
	if n > 0 {
		telemetry.QueueRedeliveries.WithLabelValues(p.config.QueueName).Add(float64(n))
		clog.FromContext(ctx).Infof("returned %d stale item(s) to the queue", n)
	}
	return n, nil
}

func (p *Pool) recoverLoop(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser()))
	if _, err := c.AddFunc(p.config.RecoverSchedule, func() {
		if _, err := p.RecoverStale(ctx); err != nil {
			clog.FromContext(ctx).Errorf("%v", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling recovery: %w", err)
	}

	// Items left in flight by a previous process become visible right away.
	if _, err := p.RecoverStale(ctx); err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
