package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"readflow/internal/app"
	"readflow/internal/config"
	"readflow/internal/content"
	"readflow/internal/delivery"
	"readflow/internal/epub"
	"readflow/internal/mailstore"
	"readflow/internal/ratelimit"
	"readflow/internal/server"
	"readflow/internal/usage"
	"readflow/internal/usertoken"
	"readflow/internal/util"
	"readflow/internal/webhook"
	"readflow/pkg/storage"
	"readflow/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	var deliverer app.Deliverer
	if cfg.MockDelivery {
		slog.Warn("mock delivery enabled, artifacts will not reach kindle devices")
		deliverer = mockDeliverer{}
	} else {
		kd := delivery.NewKindleDelivery(delivery.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err := kd.SelfTest(); err != nil {
			slog.Warn("smtp connection check failed, deliveries may not work", "err", err)
		}
		deliverer = kd
	}

	tracker := usage.NewTracker(st, usage.LogNotifier{})
	appCore := app.New(
		st,
		objects,
		content.NewFetcher(),
		epub.NewGenerator(),
		deliverer,
		tracker,
		mailstore.NewProcessor(objects),
	)

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: usertoken.NewVerifier(cfg.SessionSecret),
		Mailgun:       webhook.NewMailgunValidator(cfg.MailgunSigningKey),
		SNS:           webhook.NewSNSValidator(cfg.SNSDevBypass),
		Limiter:       ratelimit.NewSlidingWindowLimiter(cfg.RateLimitRequests, time.Duration(cfg.RateLimitWindowM)*time.Minute),
		SenderLimiter: ratelimit.NewSlidingWindowLimiter(10, 15*time.Minute),
		TrustProxy:    cfg.TrustProxyHeaders,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("readflow server listening", "addr", addr, "mock_delivery", cfg.MockDelivery)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
