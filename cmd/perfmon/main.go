package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/observability/log"
	"github.com/zeusync/perfmon/internal/injector"
	"github.com/zeusync/perfmon/internal/monitor"
	"github.com/zeusync/perfmon/internal/sink"
	"github.com/zeusync/perfmon/internal/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
		metricsAddr = flag.String("metrics-addr", ":9464", "address for the Prometheus endpoint, empty to disable")
		sinkURL     = flag.String("sink-url", "", "WebSocket endpoint receiving events, empty to disable")
		refreshRate = flag.Float64("refresh-rate", 60, "vsync rate of the frame source in Hz")
		queueSize   = flag.Int("ui-queue", 0, "UI looper queue depth, 0 for the default")
	)
	flag.Parse()

	if err := run(*configPath, *logLevel, *metricsAddr, *sinkURL, *refreshRate, *queueSize); err != nil {
		fmt.Fprintln(os.Stderr, "perfmon:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel, metricsAddr, sinkURL string, refreshRate float64, queueSize int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := monitor.DefaultConfig()
	if configPath != "" {
		loaded, err := monitor.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	agent, err := injector.InitializeAgent(injector.RefreshRate(refreshRate), injector.QueueSize(queueSize))
	if err != nil {
		return err
	}
	logger := agent.Logger
	logger.SetLevel(log.ParseLevel(logLevel))
	defer func() { _ = logger.Sync() }()

	cfg.Smoothness.OnMetrics = func(m events.SmoothnessMetrics) {
		logger.Info("smoothness",
			log.Int("frames", m.FrameCount),
			log.Int("janks", m.JankCount),
			log.Float64("fps", m.AverageFPS),
		)
	}
	cfg.Responsiveness.OnIncident = func(inc events.ResponsivenessIncident) {
		logger.Warn("ui unresponsive",
			log.String("incident", inc.ID),
			log.Duration("timeout", inc.Timeout),
			log.Strings("stack", inc.ThreadSnapshot),
		)
	}

	reg := prometheus.NewRegistry()
	exporter, err := telemetry.NewExporter(reg)
	if err != nil {
		return err
	}

	agent.Start(ctx)
	defer agent.Stop()

	m, err := monitor.StartMonitoring(agent.Host, cfg,
		monitor.WithLogger(logger),
		monitor.WithBusObserver(exporter),
	)
	if err != nil {
		return err
	}
	defer monitor.StopMonitoring()

	exporter.Attach(m.Bus())
	if err := telemetry.RegisterDropCounter(reg, m.DroppedEvents); err != nil {
		return err
	}

	if sinkURL != "" {
		s := sink.NewWebSocketSink(sinkURL, uuid.NewString(), logger)
		s.Attach(m.Bus())
		s.Start(ctx)
		defer s.Stop()
	}

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", log.Error(err))
			}
		}()
		logger.Info("serving metrics", log.String("addr", metricsAddr))
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("perfmon started",
		log.Duration("window", cfg.Smoothness.Window),
		log.Duration("probe_timeout", cfg.Responsiveness.ProbeTimeout),
	)
	<-stopCh
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", log.Error(err))
		}
	}
	return nil
}
