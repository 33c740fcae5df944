package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketarbiter/internal/app"
	"marketarbiter/internal/config"
	"marketarbiter/internal/logger"
	"marketarbiter/internal/metrics"
)

func main() {
	log := logger.New()
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to read .env")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	if err := log.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.MaxAgeDays); err != nil {
		log.WithError(err).Fatal("logger")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, m)
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()
	go a.RunJanitor(ctx)

	h := &handlers{
		engine:  a.Engine,
		log:     log.WithComponent("http"),
		timeout: time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
	}
	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Handle("/", withJSONHeaders(withGzip(limitBody(h.routes()))))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           withAccessLog(h.log, recoverPanic(h.log, root)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      h.timeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(logger.Fields{"port": cfg.Server.Port}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server")
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}
