package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cliconfig "github.com/antonkrylov/wharf/internal/cli/config"
	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/control/runner"
	"github.com/antonkrylov/wharf/internal/control/sink"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/dokku"
	"github.com/antonkrylov/wharf/internal/metrics"
	"github.com/antonkrylov/wharf/internal/records"
	"github.com/antonkrylov/wharf/internal/transport"
	"github.com/antonkrylov/wharf/internal/web"
)

func main() {
	var (
		listenAddr      = flag.String("listen", ":8080", "HTTP listen address")
		configPath      = flag.String("config", cliconfig.DefaultConfigPath(), "config file with the dokku section")
		dbPath          = flag.String("db", "", "SQLite database path (default $WHARF_HOME/wharf.db)")
		logJSON         = flag.Bool("log-json", false, "emit logs as JSON")
		dokkuHost       = flag.String("dokku-host", "", "dokku host (WHARF_DOKKU_HOST)")
		daemonSocket    = flag.String("daemon-socket", "", "hostd unix socket, preferred over SSH when present (WHARF_DAEMON_SOCKET)")
		workers         = flag.Int("workers", 4, "tasks running at once; 0 means unbounded")
		cacheTTL        = flag.Duration("cache-ttl", 5*time.Minute, "lifetime of cached dokku reads")
		pollInterval    = flag.Duration("poll-interval", time.Second, "retry interval handed to polling clients")
		statusTimeout   = flag.Duration("status-timeout", 5*time.Second, "budget of the /status check")
		webhookSecret   = flag.String("github-secret", "", "GitHub webhook secret (WHARF_GITHUB_SECRET)")
		adminUser       = flag.String("admin-user", "", "basic auth user for the dashboard (WHARF_ADMIN_USER)")
		adminPassword   = flag.String("admin-password", "", "basic auth password (WHARF_ADMIN_PASSWORD)")
		enableJetStream = flag.Bool("enable-jetstream", false, "mirror task output to NATS JetStream")
		natsURL         = flag.String("nats-url", "", "NATS connection URL (WHARF_NATS_URL)")
		natsUser        = flag.String("nats-user", "", "NATS username (WHARF_NATS_USER)")
		natsPass        = flag.String("nats-pass", "", "NATS password (WHARF_NATS_PASS)")
		natsPrefix      = flag.String("nats-prefix", "wharf", "NATS subject prefix for output chunks")
		natsStream      = flag.String("nats-stream", "wharf_output", "JetStream stream for output chunks")
	)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cliconfig.ApplyEnvFallback(webhookSecret, "WHARF_GITHUB_SECRET")
	cliconfig.ApplyEnvFallback(adminUser, "WHARF_ADMIN_USER")
	cliconfig.ApplyEnvFallback(adminPassword, "WHARF_ADMIN_PASSWORD")
	cliconfig.ApplyEnvFallback(natsURL, "WHARF_NATS_URL")
	cliconfig.ApplyEnvFallback(natsUser, "WHARF_NATS_USER")
	cliconfig.ApplyEnvFallback(natsPass, "WHARF_NATS_PASS")

	cfg, err := cliconfig.Load(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	var dokkuCfg cliconfig.Dokku
	if cfg != nil {
		dokkuCfg = cfg.Dokku
	}
	if *dokkuHost != "" {
		dokkuCfg.Host = *dokkuHost
	}
	if *daemonSocket != "" {
		dokkuCfg.DaemonSocket = *daemonSocket
	}
	dokkuCfg.ApplyEnv()
	transportOpts, err := dokkuCfg.TransportOptions()
	if err != nil {
		logger.Error("transport config", "err", err)
		os.Exit(1)
	}
	if transportOpts.SSH.Host == "" && transportOpts.DaemonSocket == "" {
		logger.Error("a dokku host or hostd socket is required (--dokku-host, --daemon-socket or the config file)")
		os.Exit(1)
	}

	if err := run(ctx, logger, runOptions{
		listen:        *listenAddr,
		dbPath:        *dbPath,
		transport:     transportOpts,
		workers:       *workers,
		cacheTTL:      *cacheTTL,
		pollInterval:  *pollInterval,
		statusTimeout: *statusTimeout,
		webhookSecret: *webhookSecret,
		adminUser:     *adminUser,
		adminPassword: *adminPassword,
		jetStream:     jetStreamOptions(*enableJetStream, *natsURL, *natsUser, *natsPass, *natsPrefix, *natsStream),
	}); err != nil {
		logger.Error("wharf-web", "err", err)
		os.Exit(1)
	}
}

type runOptions struct {
	listen        string
	dbPath        string
	transport     transport.Options
	workers       int
	cacheTTL      time.Duration
	pollInterval  time.Duration
	statusTimeout time.Duration
	webhookSecret string
	adminUser     string
	adminPassword string
	jetStream     *sink.JetStreamOptions
}

func jetStreamOptions(enabled bool, url, user, pass, prefix, stream string) *sink.JetStreamOptions {
	if !enabled {
		return nil
	}
	return &sink.JetStreamOptions{URL: url, User: user, Password: pass, Prefix: prefix, Stream: stream}
}

func run(ctx context.Context, logger *slog.Logger, opts runOptions) error {
	if opts.jetStream != nil && opts.jetStream.URL == "" {
		return errors.New("enable-jetstream requires --nats-url or WHARF_NATS_URL")
	}
	out, err := sink.New(ctx, &sink.Options{Logger: logger, JetStream: opts.jetStream})
	if err != nil {
		return fmt.Errorf("output sink: %w", err)
	}
	defer out.Close()

	dbPath := opts.dbPath
	if dbPath == "" {
		dbPath = cliconfig.DefaultDatabasePath()
	}
	store, err := records.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open records: %w", err)
	}
	defer store.Close()

	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)
	auto := transport.NewAuto(opts.transport, logger)
	defer auto.Close()
	exec := m.Instrument("dokku", auto)

	reg := tasks.New(runner.New(exec, out, logger), out, tasks.Options{Workers: opts.workers, Logger: logger})
	defer reg.Close()
	m.Attach(reg)

	c, err := core.New(exec, reg, core.Options{
		CacheTTL:      opts.cacheTTL,
		StatusTimeout: opts.statusTimeout,
		Logger:        logger,
		CacheObserver: m,
	})
	if err != nil {
		return err
	}
	features := dokku.New(c, store, dokku.Options{CacheTTL: opts.cacheTTL, Logger: logger})
	followUps := poll.NewFollowUps()
	features.RegisterFollowUps(followUps)
	machine := poll.New(c, store, followUps, poll.Options{Interval: opts.pollInterval, Logger: logger})

	keyPath := opts.transport.SSH.KeyPath
	srv := web.New(web.Options{
		Core:          c,
		Features:      features,
		Machine:       machine,
		Records:       store,
		PublicKey:     func() (string, error) { return transport.AuthorizedKey(keyPath) },
		WebhookSecret: opts.webhookSecret,
		AdminUser:     opts.adminUser,
		AdminPassword: opts.adminPassword,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              opts.listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("wharf-web ready", "addr", opts.listen, "transport", auto.String(), "db", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down wharf-web")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(stopCtx); err != nil {
			httpServer.Close()
		}
		return nil
	})
	return g.Wait()
}
