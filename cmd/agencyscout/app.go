package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agencyscout/config"
	"github.com/mohammad-safakhou/agencyscout/internal/agent"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/history"
	"github.com/mohammad-safakhou/agencyscout/internal/logging"
	"github.com/mohammad-safakhou/agencyscout/internal/pagegen"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
	"github.com/mohammad-safakhou/agencyscout/internal/prompts"
	"github.com/mohammad-safakhou/agencyscout/internal/queue"
	"github.com/mohammad-safakhou/agencyscout/internal/server"
	"github.com/mohammad-safakhou/agencyscout/internal/sms"
	"github.com/mohammad-safakhou/agencyscout/internal/stream"
	"github.com/mohammad-safakhou/agencyscout/internal/sweep"
	"github.com/mohammad-safakhou/agencyscout/internal/telemetry"
	"github.com/mohammad-safakhou/agencyscout/internal/webhook"
)

// app is the fully wired service. Every command builds one and uses the parts
// it needs.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	telemetry *telemetry.Telemetry
	redis     *redis.Client

	pipelines *pipeline.Store
	runner    *pipeline.Runner
	calls     *calls.Store
	index     *calls.Index
	contexts  *calls.Contexts
	history   *history.Archive
	pages     *queue.Queue
	sms       *queue.Queue
	sweeper   *sweep.Sweeper

	closeLog func() error
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, closeLog := logging.Setup(cfg.General.LogLevel, cfg.General.LogFile)
	slog.SetDefault(logger)

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &app{cfg: cfg, log: logger, telemetry: tel, closeLog: closeLog}
	st := cfg.Storage
	lock := st.Lock()

	var notifier queue.Notifier = queue.NopNotifier{}
	if rdb := st.Redis.Client(); rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, queues fall back to polling", "err", err)
			_ = rdb.Close()
		} else {
			a.redis = rdb
			notifier = queue.NewRedisNotifier(rdb, "")
		}
	}

	set := prompts.Default()
	if cfg.Agent.PromptsFile != "" {
		if set, err = prompts.Load(cfg.Agent.PromptsFile); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	agentRuntime := &agent.ProcessAgent{Command: cfg.Agent.Command, Args: cfg.Agent.Args, Logger: logger.With("component", "agent")}

	a.pipelines = pipeline.NewStore(st.ProgressDir(), st.DemosDir(), cfg.Server.DemoURLBase(), lock)
	a.history = history.New(st.HistoryDir(), a.pipelines, cfg.History.MaxEntries, lock, logger)
	a.runner = pipeline.NewRunner(pipeline.RunnerOptions{
		Store:    a.pipelines,
		Agent:    agentRuntime,
		Prompts:  set,
		Archiver: a.history,
		Logger:   logger,
		WorkDir:  cfg.Agent.WorkDir,
	})
	a.calls = calls.NewStore(st.CallsDir(), lock)
	a.index = calls.NewIndex(st.CallIndexPath(), lock)
	a.contexts = calls.NewContexts(st.ContextsPath(), lock, 0)

	metrics := queue.NewMetrics(tel.Registry)
	pageHandler := &pagegen.Handler{
		Calls: a.calls,
		Generator: &pagegen.AgentGenerator{
			Agent:   agentRuntime,
			Prompts: set,
			WorkDir: cfg.Agent.WorkDir,
			Lock:    lock,
		},
		PagesDir:    st.PagesDir(),
		PageURLBase: cfg.Server.PageURLBase(),
		Lock:        lock,
		Logger:      logger.With("component", "pagegen"),
	}
	smsHandler := &sms.Handler{
		Calls:    a.calls,
		Sender:   sms.LogSender{From: cfg.SMS.From, Logger: logger.With("component", "sms")},
		Template: cfg.SMS.Template,
		Logger:   logger.With("component", "sms"),
	}
	a.pages = queue.New(queueOptions("pages", cfg.Queue.Pages, st, metrics, notifier, logger), pageHandler)
	a.sms = queue.New(queueOptions("sms", cfg.Queue.SMS, st, metrics, notifier, logger), smsHandler)

	a.sweeper, err = sweep.New(sweep.Options{
		Cron:     cfg.Sweep.Cron,
		MaxAge:   cfg.Sweep.MaxAge,
		Dirs:     []string{st.ProgressDir(), st.DemosDir(), st.PagesDir()},
		Calls:    a.calls,
		Index:    a.index,
		Contexts: a.contexts,
		History:  a.history,
		Queues:   []*queue.Queue{a.pages, a.sms},
		Redis:    a.redis,
		Logger:   logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func queueOptions(name string, qc config.QueueConfig, st config.StorageConfig, m *queue.Metrics, n queue.Notifier, logger *slog.Logger) queue.Options {
	return queue.Options{
		Name:         name,
		Dir:          st.QueueDir(name),
		MaxAttempts:  qc.MaxAttempts,
		StaleAfter:   qc.StaleAfter,
		Timeout:      qc.Timeout,
		PollInterval: qc.PollInterval,
		ErrorLogCap:  qc.ErrorLogCap,
		Lock:         st.Lock(),
		Metrics:      m,
		Notifier:     n,
		Logger:       logger,
	}
}

// server wires the HTTP surface on top of the app.
func (a *app) server() *server.Server {
	engine := stream.NewEngine(a.pipelines, a.calls, a.history, stream.Options{
		Heartbeat: a.cfg.Server.StreamHeartbeat,
		Debounce:  a.cfg.Server.StreamDebounce,
		Metrics:   stream.NewMetrics(a.telemetry.Registry),
		Logger:    a.log,
	})
	return &server.Server{
		Pipelines:   a.pipelines,
		Runner:      a.runner,
		Calls:       a.calls,
		Index:       a.index,
		Contexts:    a.contexts,
		History:     a.history,
		Streams:     engine,
		Pages:       a.pages,
		SMS:         a.sms,
		Verifier:    webhook.NewVerifier(a.cfg.Webhook.Secret, a.cfg.Webhook.Tolerance),
		AutoSendSMS: a.cfg.SMS.AutoSend,
		Gatherer:    a.telemetry.Registry,
		DemosDir:    a.cfg.Storage.DemosDir(),
		PagesDir:    a.cfg.Storage.PagesDir(),
		Logger:      a.log.With("component", "http"),
	}
}

// Close flushes telemetry and releases connections.
func (a *app) Close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.log.Warn("telemetry shutdown", "err", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
