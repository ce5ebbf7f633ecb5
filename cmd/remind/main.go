package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"remind/internal/auth"
	"remind/internal/config"
	"remind/internal/db"
	"remind/internal/delivery"
	httpx "remind/internal/http"
	"remind/internal/jobs"
	"remind/internal/logging"
	"remind/internal/reminder"
	"remind/internal/templates"
)

func main() {
	logging.SetTimeFormat()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "json", os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}

	tpls := templates.Default()
	if cfg.Templates != "" {
		if tpls, err = templates.LoadFile(cfg.Templates); err != nil {
			log.Fatal().Err(err).Msg("templates")
		}
	}

	clients, err := auth.ParseClients(cfg.APIClients)
	if err != nil {
		log.Fatal().Err(err).Msg("api clients")
	}
	if len(clients) == 0 {
		log.Warn().Msg("no API_CLIENTS configured; token endpoint will reject every request")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := reminder.New(store, tpls,
		reminder.WithLogger(logging.Component(log, "scheduler")),
		reminder.WithMaxAttempts(cfg.MaxAttempts),
		reminder.WithRegisterer(reg),
	)
	jwtSvc := auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL)
	r := httpx.NewRouter(cfg, httpx.Deps{
		Service:  svc,
		JWT:      jwtSvc,
		Clients:  clients,
		Log:      logging.Component(log, "http"),
		Gatherer: reg,
	})

	metrics := jobs.NewMetrics(reg)
	worker := &jobs.Worker{
		ID:          "worker-1",
		Store:       store,
		Sender:      buildSender(cfg.Delivery, log),
		Log:         logging.Component(log, "sweep"),
		Metrics:     metrics,
		Interval:    cfg.Sweep.Interval,
		BatchSize:   cfg.Sweep.BatchSize,
		RetryDelay:  cfg.Sweep.RetryDelay,
		SendTimeout: cfg.Sweep.SendTimeout,
		Lease:       cfg.Sweep.Lease,
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	hk := &jobs.Housekeeper{
		Store:     store,
		Retention: cfg.Retention,
		Log:       logging.Component(log, "housekeeping"),
		Metrics:   metrics,
	}
	cr, err := hk.Start(ctx, cfg.Housekeep)
	if err != nil {
		log.Fatal().Err(err).Msg("housekeeping")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	// let the sweep commit whatever it is delivering
	wg.Wait()
	<-cr.Stop().Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("stopped")
}

func openStore(cfg config.Config, log zerolog.Logger) (jobs.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; jobs are kept in memory and lost on restart")
		return jobs.NewMemStore(), nil
	}
	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		return nil, err
	}
	return &jobs.Repo{DB: gdb}, nil
}

func buildSender(cfg config.Delivery, log zerolog.Logger) delivery.Sender {
	router := delivery.NewRouter(cfg.RatePerSec)
	if cfg.Mode == "log" {
		ls := delivery.LogSender{Log: logging.Component(log, "delivery")}
		for _, ch := range delivery.Channels {
			router.Register(ch, ls)
		}
		return router
	}

	if cfg.SMTPHost != "" {
		router.Register(delivery.Email, delivery.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom))
	}
	client := &http.Client{}
	hooks := map[delivery.Channel][2]string{
		delivery.SMS:      {cfg.SMSURL, cfg.SMSToken},
		delivery.Push:     {cfg.PushURL, cfg.PushToken},
		delivery.WhatsApp: {cfg.WhatsAppURL, cfg.WhatsAppToken},
	}
	for ch, h := range hooks {
		if h[0] != "" {
			router.Register(ch, delivery.NewWebhookSender(h[0], h[1], client))
		}
	}
	for _, ch := range delivery.Channels {
		if !router.Has(ch) {
			log.Warn().Str("channel", string(ch)).Msg("no sender configured; jobs on this channel will fail")
		}
	}
	return router
}
