package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sudorandom/peninsula-nt4/pkg/archive"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4client"
)

type RecordCmd struct {
	ArchiveDir    string        `help:"Badger directory to write to."`
	MetricsListen string        `help:"Address for the /metrics endpoint; \"off\" disables it."`
	FlushEvery    time.Duration `default:"1s" help:"How often buffered samples are committed."`
}

func (r *RecordCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	if r.ArchiveDir != "" {
		cfg.Archive.Dir = r.ArchiveDir
	}
	if r.MetricsListen != "" {
		cfg.Metrics.Listen = r.MetricsListen
	}
	if cfg.Metrics.Listen == "off" {
		cfg.Metrics.Listen = ""
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := nt4client.NewMetrics(reg)
	if err != nil {
		return err
	}

	arc, err := archive.Open(cfg.Archive.Dir, archive.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := arc.Close(); err != nil {
			logger.Error("closing archive", "error", err)
		}
	}()

	src := newSource(cfg, logger, metrics)
	src.View(func(m *nt4.Model) {
		arc.Attach(m, src.WireType)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
				stop()
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Listen)
	}

	logger.Info("recording", "address", cfg.Address, "archive", cfg.Archive.Dir)
	if err := src.SetAddress(cfg.Address); err != nil {
		return err
	}

	ticker := time.NewTicker(r.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := src.Close(); err != nil {
				logger.Warn("closing source", "error", err)
			}
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		case <-ticker.C:
			if err := arc.Flush(); err != nil {
				logger.Warn("archive flush failed", "error", err)
			}
		}
	}
}
