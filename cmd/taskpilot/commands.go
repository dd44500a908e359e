package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/taskpilot/internal/dispatch"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/scheduler"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
	"github.com/hochfrequenz/taskpilot/internal/worker"
	"github.com/hochfrequenz/taskpilot/web/api"
)

var (
	serveWithWorker bool
	workerCount     int

	submitRepo         string
	submitUser         string
	submitInstallation int64
	submitIssue        int
	submitWait         bool
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also consume the durable queue in this process")
	rootCmd.AddCommand(serveCmd)

	// worker command
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the durable task queue",
		RunE:  runWorker,
	}
	workerCmd.Flags().IntVar(&workerCount, "concurrency", 0, "number of concurrent tasks (default from config)")
	rootCmd.AddCommand(workerCmd)

	// run-task command, the entry point of spawned jobs
	runTaskCmd := &cobra.Command{
		Use:   "run-task TASK",
		Short: "Execute one scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTask,
	}
	rootCmd.AddCommand(runTaskCmd)

	// submit command
	submitCmd := &cobra.Command{
		Use:   "submit REQUEST",
		Short: "Schedule a task from the command line",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "target repository (owner/name)")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "requesting user")
	submitCmd.Flags().Int64Var(&submitInstallation, "installation", 0, "GitHub App installation id")
	submitCmd.Flags().IntVar(&submitIssue, "issue", 0, "answer on this issue instead of running standalone")
	submitCmd.Flags().BoolVar(&submitWait, "wait", true, "wait for inline tasks to finish")
	submitCmd.MarkFlagRequired("repo")
	submitCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(submitCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	sched, d, err := a.scheduler(ctx)
	if err != nil {
		return err
	}
	provider, err := a.hostingProvider(ctx)
	if err != nil {
		return err
	}
	server := api.NewServer(a.store, sched, provider, api.Options{
		Addr:          a.listenAddr(),
		APIKey:        a.cfg.Secrets.APIKey,
		DefaultBudget: a.cfg.Admission.DefaultBudget,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	if serveWithWorker {
		pool, err := a.workerPool(ctx, 0)
		if err != nil {
			return err
		}
		g.Go(func() error { return pool.Run(ctx) })
	}
	err = g.Wait()

	if inline, ok := d.(*dispatch.InlineDispatcher); ok {
		clog.FromContext(ctx).Infof("waiting for inline tasks")
		inline.Wait()
	}
	return err
}

func (a *app) workerPool(ctx context.Context, concurrency int) (*worker.Pool, error) {
	e, err := a.taskEngine(ctx)
	if err != nil {
		return nil, err
	}
	qc := a.cfg.Queue
	if concurrency <= 0 {
		concurrency = qc.Concurrency
	}
	return worker.New(a.taskQueue(), e, worker.Config{
		QueueName:       qc.Name,
		Concurrency:     concurrency,
		StaleAfter:      qc.StaleAfter.Duration,
		RecoverSchedule: qc.RecoverSchedule,
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	pool, err := a.workerPool(ctx, workerCount)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.WithoutCancel(ctx))
		})
	}
	g.Go(func() error { return pool.Run(ctx) })
	return g.Wait()
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	e, err := a.taskEngine(ctx)
	if err != nil {
		return err
	}
	if err := e.Run(ctx, args[0]); err != nil {
		return err
	}

	task, err := a.store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Task %s %s\n", task.ID, task.Status)
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	sched, d, err := a.scheduler(ctx)
	if err != nil {
		return err
	}

	req := scheduler.Request{
		Type:           domain.TypeStandalone,
		Repo:           submitRepo,
		InstallationID: submitInstallation,
		User:           submitUser,
		UserRequest:    args[0],
	}
	if submitIssue > 0 {
		req.Type = domain.TypeIssue
		req.IssueNumber = submitIssue
	}

	task, err := sched.Schedule(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s %s via %s\n", task.ID, task.Status, d.Name())
	if task.Status == domain.StatusFailed {
		fmt.Println(task.Result)
		return nil
	}

	if inline, ok := d.(*dispatch.InlineDispatcher); ok && submitWait {
		inline.Wait()
		task, err = a.store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s %s\n\n%s\n", task.ID, task.Status, task.Result)
	}
	return nil
}
