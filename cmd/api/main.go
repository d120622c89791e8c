package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pollrelief/internal/address"
	"pollrelief/internal/api"
	"pollrelief/internal/buildinfo"
	"pollrelief/internal/config"
	"pollrelief/internal/geocode"
	"pollrelief/internal/metrics"
	"pollrelief/internal/store"
	"pollrelief/internal/truck"
	"pollrelief/internal/webhooks"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.WithFields(logrus.Fields{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
	}).Info("starting")

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("postgres connect failed")
		}
		if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
			if err := pg.MigrateDir(context.Background(), dir); err != nil {
				log.WithError(err).Fatal("migrations failed")
			}
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemory()
		log.Warn("no DATABASE_URL set, using in-memory store")
	}

	var broker api.EventBroker
	if cfg.RedisURL != "" {
		rb, err := api.NewRedisBroker(cfg.RedisURL, log)
		if err != nil {
			log.WithError(err).Fatal("redis connect failed")
		}
		broker = rb
		log.Info("using redis event broker")
	} else {
		broker = api.NewBroker()
	}

	var geocoder geocode.Geocoder
	if cfg.GeocoderURL != "" {
		geocoder = geocode.NewClient(cfg.GeocoderURL, cfg.GeocoderKey, cfg.GeocoderRPS)
	} else {
		log.Warn("no GEOCODER_URL set, report intake requires override addresses")
		geocoder = geocode.Func(func(context.Context, string) (geocode.Result, error) {
			return geocode.Result{}, geocode.ErrNoMatch
		})
	}

	schedule, err := truck.Load(cfg.ScheduleFile)
	if err != nil {
		log.WithError(err).Fatal("truck schedule load failed")
	}

	m := metrics.New()
	pub := &webhooks.Publisher{Store: st, Log: log}

	srv := &api.Server{
		Store:      st,
		Pub:        pub,
		Broker:     broker,
		Normalizer: address.NewNormalizer(geocoder),
		Schedule:   schedule,
		Metrics:    m,
		Log:        log,
		APIKeys:    cfg.APIKeys,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Routes())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := webhooks.NewWorker(st, log, m, cfg.WebhookMaxAttempts)
	go worker.Run(ctx)

	go func() {
		log.WithField("addr", httpSrv.Addr).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}
