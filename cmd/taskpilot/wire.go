package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/chainguard-dev/clog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/taskpilot/internal/admission"
	"github.com/hochfrequenz/taskpilot/internal/billing"
	"github.com/hochfrequenz/taskpilot/internal/config"
	"github.com/hochfrequenz/taskpilot/internal/dispatch"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/engine"
	"github.com/hochfrequenz/taskpilot/internal/executor"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/llm"
	"github.com/hochfrequenz/taskpilot/internal/notify"
	"github.com/hochfrequenz/taskpilot/internal/prompts"
	"github.com/hochfrequenz/taskpilot/internal/queue"
	"github.com/hochfrequenz/taskpilot/internal/scheduler"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

// app holds the components shared by the commands. Fields are built lazily
// so read-only commands do not need hosting credentials.
type app struct {
	cfg      *config.Config
	store    *taskstore.Store
	provider hosting.Provider
	queue    queue.Queue
	engine   *engine.Engine

	closers []func(context.Context) error
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(ctx, cfg, nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads config, installs the logger and tracing and opens the store
func setup(cmd *cobra.Command) (context.Context, *app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return ctx, nil, err
	}
	ctx = clog.WithLogger(ctx, newLogger(cfg.General.LogLevel, cfg.General.LogFormat))

	a := &app{cfg: cfg}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return ctx, nil, err
	}
	a.closers = append(a.closers, shutdown)

	a.store, err = taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return ctx, nil, fmt.Errorf("opening task store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	return ctx, a, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}

func (a *app) hostingProvider(ctx context.Context) (hosting.Provider, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	s := a.cfg.Secrets
	switch {
	case a.cfg.GitHub.AppID != 0 && s.GitHubPrivateKey != "":
		a.provider = hosting.NewAppProvider(a.cfg.GitHub.AppID, []byte(s.GitHubPrivateKey), a.cfg.GitHub.APIURL)
	case s.GitHubToken != "":
		p, err := hosting.NewTokenProvider(ctx, s.GitHubToken, a.cfg.GitHub.APIURL)
		if err != nil {
			return nil, err
		}
		a.provider = p
	default:
		return nil, errors.New("no GitHub credentials: set GITHUB_TOKEN, or GITHUB_APP_ID with a private key")
	}
	return a.provider, nil
}

func (a *app) taskQueue() queue.Queue {
	if a.queue != nil {
		return a.queue
	}
	qc := a.cfg.Queue
	switch qc.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     qc.Addr,
			Password: a.cfg.Secrets.RedisPassword,
			DB:       qc.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.queue = queue.NewRedis(client, qc.Name, qc.Block.Duration)
	default:
		a.queue = a.store.Queue(qc.Name, qc.Block.Duration)
	}
	return a.queue
}

func (a *app) taskEngine(ctx context.Context) (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	provider, err := a.hostingProvider(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg
	prompts.SetDefault(prompts.DefaultLoader(cfg.Agent.PromptsDir))

	var summarizer llm.Summarizer = llm.Offline{}
	if cfg.Secrets.AnthropicAPIKey != "" {
		summarizer = llm.NewAnthropic(cfg.Secrets.AnthropicAPIKey, cfg.Agent.Model, cfg.Agent.MaxTokens)
	}

	notifiers := []notify.Notifier{notify.LogNotifier{}}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	prices := make(map[string]billing.Price, len(cfg.Billing.Models))
	for model, p := range cfg.Billing.Models {
		prices[model] = billing.Price{Prompt: p.Prompt, Completion: p.Completion}
	}

	ledger := billing.NewLedger(a.store, billing.Policy{
		CreditMultiplier: cfg.Billing.CreditMultiplier,
		DiscountPercent:  cfg.Billing.OpenSourceDiscountPercent,
		MinContributors:  cfg.Billing.MinContributors,
		MinRecentCommits: cfg.Billing.MinRecentCommits,
		OSILicenses:      cfg.Billing.OSILicenses,
		DefaultBudget:    cfg.Admission.DefaultBudget,
	})

	a.engine = engine.New(a.store, provider,
		executor.NewWorkspaceManager(cfg.General.WorkDir),
		executor.NewClaudeCode(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.Timeout.Duration),
		summarizer, ledger, notify.NewMultiNotifier(notifiers...),
		engine.Options{
			DashboardURL:  cfg.General.DashboardURL,
			GitURL:        cfg.GitHub.GitURL,
			CommitName:    cfg.General.CommitName,
			CommitEmail:   cfg.General.CommitEmail,
			DefaultBudget: cfg.Admission.DefaultBudget,
			Prices:        prices,
		})
	return a.engine, nil
}

func (a *app) spawner() (dispatch.Spawner, error) {
	cfg := a.cfg
	if cfg.Dispatch.Spawner == config.SpawnerProcess {
		var args []string
		if configPath != "" {
			args = []string{"--config", configPath}
		}
		return &dispatch.ProcessSpawner{Binary: cfg.Dispatch.ProcessBinary, Args: args}, nil
	}
	client, err := dispatch.NewKubernetesClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return dispatch.NewKubernetesSpawner(client, dispatch.KubernetesOptions{
		Namespace:      cfg.Kubernetes.Namespace,
		Image:          cfg.Kubernetes.Image,
		ServiceAccount: cfg.Kubernetes.ServiceAccount,
		SecretName:     cfg.Kubernetes.SecretName,
		TTLSeconds:     cfg.Kubernetes.TTLSeconds,
	}), nil
}

// dispatcher builds the strategy chosen in config. Only the collaborators
// the strategy needs are constructed.
func (a *app) dispatcher(ctx context.Context) (dispatch.Dispatcher, error) {
	deps := dispatch.Deps{Store: a.store}
	switch a.cfg.Dispatch.Strategy {
	case config.StrategyInline:
		e, err := a.taskEngine(ctx)
		if err != nil {
			return nil, err
		}
		deps.Runner = e
	case config.StrategyExternalJob:
		s, err := a.spawner()
		if err != nil {
			return nil, err
		}
		deps.Spawner = s
	case config.StrategyDurableQueue:
		deps.Queue = a.taskQueue()
	}
	return dispatch.New(a.cfg.Dispatch.Strategy, deps)
}

func (a *app) scheduler(ctx context.Context) (*scheduler.Scheduler, dispatch.Dispatcher, error) {
	provider, err := a.hostingProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err := a.dispatcher(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctrl := admission.NewController(a.store, admission.Policy{
		RateLimit:     a.cfg.Admission.RateLimit,
		Window:        a.cfg.Admission.Window.Duration,
		DefaultBudget: a.cfg.Admission.DefaultBudget,
	})
	return scheduler.New(a.store, provider, ctrl, d, a.cfg.General.DashboardURL), d, nil
}

func (a *app) listenAddr() string {
	return net.JoinHostPort(a.cfg.Web.Host, strconv.Itoa(a.cfg.Web.Port))
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
