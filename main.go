package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"fundflow/config"
	"fundflow/internal/archive"
	"fundflow/internal/commentary"
	"fundflow/internal/dashboard"
	"fundflow/internal/exchange"
	"fundflow/internal/exchange/sources"
	"fundflow/internal/flow"
	"fundflow/internal/metrics"
	"fundflow/internal/poller"
	"fundflow/internal/report"
	"fundflow/logger"
)

func main() {
	log := logger.GetLogger()

	if files := config.EnvFiles(); len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			log.WithError(err).Warn("error loading env files")
		}
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	once := flag.Bool("once", false, "Poll once, print the table and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Fundflow.Name,
		"version":     cfg.Fundflow.Version,
		"environment": env,
		"exchange":    cfg.Poller.Exchange,
		"instruments": len(cfg.Poller.Instruments),
	}).Info("starting fundflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	metrics.Configure(cfg.Metrics)
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	source, err := sources.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to create exchange source")
		os.Exit(1)
	}
	if w, ok := source.(exchange.Warmer); ok {
		if err := w.Warm(ctx); err != nil {
			log.WithError(err).Warn("source warm-up failed; continuing with configured limits")
		}
	}

	instruments, err := sources.Instruments(ctx, source, cfg.Poller, log)
	if err != nil {
		log.WithError(err).Error("failed to resolve instruments")
		os.Exit(1)
	}
	cfg.Poller.Instruments = instruments

	p, err := poller.NewFromConfig(source, cfg.Poller,
		poller.WithLogger(log),
		poller.WithFatalHandler(func(err error) {
			log.WithComponent("main").WithError(err).Error("polling suspended until reconfigured")
		}),
	)
	if err != nil {
		log.WithError(err).Error("invalid poller configuration")
		os.Exit(1)
	}

	if *once {
		snap, err := p.PollOnce(ctx)
		if snap != nil {
			_ = report.Render(os.Stdout, snap)
		}
		if err != nil {
			log.WithError(err).Error("poll failed")
			os.Exit(1)
		}
		return
	}

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
			log.WithComponent("main").WithField("component", name).Debug("component stopped")
		}()
	}

	pollerDone := make(chan struct{})
	start("poller", func(ctx context.Context) {
		defer close(pollerDone)
		if err := p.Run(ctx); err != nil {
			log.WithError(err).Error("poller stopped")
		}
	})

	var inputs report.InputSource
	if cfg.Flow.Enabled {
		tracker, err := flow.New(source, p, cfg.Flow, cfg.Reporter.Lookback, log)
		if err != nil {
			log.WithError(err).Error("failed to create flow tracker")
			os.Exit(1)
		}
		inputs = tracker
		start("flow", tracker.Run)
	}

	if cfg.Reporter.Enabled {
		start("reporter", report.NewReporter(cfg.Reporter, p, os.Stdout, log, report.WithInputs(inputs)).Run)
	}

	var notes *commentary.Commentator
	if cfg.Commentary.Enabled {
		notes, err = commentary.New(cfg.Commentary, p, log,
			commentary.WithRanking(cfg.Reporter.Lookback, cfg.Reporter.TopN),
			commentary.WithInputs(inputs),
		)
		if err != nil {
			log.WithError(err).Error("failed to create commentary client")
			os.Exit(1)
		}
		start("commentary", notes.Run)
	}

	if cfg.Storage.S3.Enabled {
		client, err := archive.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create s3 client")
			os.Exit(1)
		}
		arch, err := archive.New(cfg.Storage.S3, cfg.Fundflow.Version, p, client, log)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot archiver")
			os.Exit(1)
		}
		// the final flush waits for the poller's last snapshot
		start("archive", func(ctx context.Context) { arch.RunAfter(ctx, pollerDone) })
	} else {
		log.WithComponent("main").Info("S3 storage disabled; snapshots are not archived")
	}

	if cfg.Dashboard.Enabled {
		if config.IsProductionLike(env) {
			gin.SetMode(gin.ReleaseMode)
		}
		bridge := metrics.NewPrometheusBridge()
		defer bridge.Close()

		opts := []dashboard.Option{
			dashboard.WithPrometheus(bridge.Handler()),
			dashboard.WithRanking(cfg.Reporter.Lookback, cfg.Reporter.TopN),
			dashboard.WithInputs(inputs),
		}
		if notes != nil {
			opts = append(opts, dashboard.WithCommentary(notes))
		}
		srv, err := dashboard.NewServer(cfg.Dashboard, log, p, opts...)
		if err != nil {
			log.WithError(err).Error("failed to create dashboard")
			os.Exit(1)
		}
		start("dashboard", func(ctx context.Context) {
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		})
	}

	log.Info("all components started")
	<-ctx.Done()
	log.Info("shutdown signal received, starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	log.Info("fundflow stopped")
}
