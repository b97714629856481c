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

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"cctv-archiver/internal/archive"
	"cctv-archiver/internal/catalog"
	"cctv-archiver/internal/events"
	"cctv-archiver/internal/platform/logger"
	"cctv-archiver/internal/platform/metrics"
)

const (
	shutdownTimeout  = 10 * time.Second
	eventSendTimeout = 10 * time.Second
)

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML configuration file")
	statusAddr := fs.String("status-addr", "", "Override status server address (e.g. :8080)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *statusAddr != "" {
		settings.StatusAddr = *statusAddr
	}

	log := logger.New(settings.LogLevel, settings.LogFormat)
	if err := settings.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	sink, cat, closeSinks := buildSinks(ctx, settings.KafkaBrokers, settings.KafkaTopic, settings.DatabaseURL, settings.EventBuffer, log, met)
	defer closeSinks()

	layout := archive.NewLayout(settings.ArchivePath)
	supervisor := archive.NewSupervisor(archive.CaptureConfig{
		FFmpegPath:     settings.FFmpegPath,
		Source:         settings.RTSPURL,
		SegmentSeconds: settings.SegmentSeconds,
		Grace:          settings.StopGrace,
	}, layout, log, time.Now)
	if v, err := supervisor.Probe(ctx); err != nil {
		log.Warn("ffmpeg probe failed", slog.String("error", err.Error()))
	} else {
		log.Info("ffmpeg found", slog.String("version", v))
	}

	consolidation := archive.DefaultConsolidationConfig()
	consolidation.FFmpegPath = settings.FFmpegPath
	consolidation.Grace = settings.StopGrace
	tracker := archive.NewTracker(consolidation, layout, log, sink, met, time.Now)

	sweeper := archive.NewSweeper(archive.RetentionConfig{
		Window:   settings.RetentionWindow(),
		Interval: settings.CleanupInterval,
	}, layout, log, sink, met, time.Now())

	board := archive.NewStatusBoard()
	ctrl := archive.NewController(archive.ControllerOptions{
		TickInterval: settings.TickInterval,
		Clock:        time.Now,
		Capture:      supervisor,
		Consolidator: tracker,
		Retention:    sweeper,
		Board:        board,
		Sink:         sink,
		Metrics:      met,
		Log:          log,
	})

	reconciler := archive.NewReconciler(layout, settings.SafetyBuckets, log, sink, met)
	staleAfter := 3*settings.TickInterval + settings.StopGrace
	h := archive.NewHandler(board, layout, reconciler, staleAfter, log)
	if cat != nil {
		h.WithCatalog(cat)
	}
	srv := &http.Server{
		Addr:              settings.StatusAddr,
		Handler:           newRouter(h, board, met, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("archiver starting",
		slog.String("version", version),
		slog.String("archive_path", settings.ArchivePath),
		slog.Int("retention_days", settings.RetentionDays),
		slog.String("status_addr", settings.StatusAddr),
		slog.String("log_level", settings.LogLevel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("archiver stopped", slog.String("error", err.Error()))
		return 1
	}
	log.Info("archiver stopped")
	return 0
}

func newRouter(h *archive.Handler, board *archive.StatusBoard, met *metrics.Metrics, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(func() {
		met.SetCaptureUp(board.CaptureUp())
		met.SetConsolidationsActive(board.ActiveJobs())
	}))
	h.Mount(r)
	return r
}

// buildSinks wires the optional Kafka and Postgres event sinks behind an
// asynchronous buffer. The catalog is also returned for reading; it is nil
// when no database is configured or reachable. The returned func drains and
// closes everything.
func buildSinks(ctx context.Context, brokers []string, topic, databaseURL string, buffer int, log *slog.Logger, met *metrics.Metrics) (archive.EventSink, *catalog.Postgres, func()) {
	var (
		sinks   archive.MultiSink
		closers []func()
		cat     *catalog.Postgres
	)
	if len(brokers) > 0 {
		pub := events.NewKafkaPublisher(brokers, topic)
		sinks = append(sinks, pub)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				log.Warn("close kafka publisher", slog.String("error", err.Error()))
			}
		})
		log.Info("publishing events to kafka", slog.Any("brokers", brokers), slog.String("topic", topic))
	}
	if databaseURL != "" {
		pg, err := catalog.Open(ctx, databaseURL, log)
		if err != nil {
			log.Error("catalog unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			cat = pg
			sinks = append(sinks, pg)
			closers = append(closers, pg.Close)
		}
	}
	if len(sinks) == 0 {
		return archive.NopSink{}, nil, func() {}
	}

	async := archive.NewAsyncSink(sinks, buffer, eventSendTimeout, log, met)
	return async, cat, func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := async.Close(drainCtx); err != nil {
			log.Warn("events not fully delivered", slog.String("error", err.Error()))
		}
		for _, c := range closers {
			c()
		}
	}
}
