// Worker runs background maintenance: it sweeps expired sessions and OPAQUE handshakes,
// rotates the signing key when SIGNING_ROTATION_INTERVAL is set, and prunes retired keys.
// With KAFKA_BROKERS and LOKI_URL set it also forwards security events from Kafka to Loki.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"opaque-idp/internal/config"
	"opaque-idp/internal/db"
	"opaque-idp/internal/events/loki"
	"opaque-idp/internal/kek"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/maintenance"
	opaquerepo "opaque-idp/internal/opaque/repository"
	"opaque-idp/internal/security"
	sessionrepo "opaque-idp/internal/session/repository"
	sessionservice "opaque-idp/internal/session/service"
	signingrepo "opaque-idp/internal/signing/repository"
	signingservice "opaque-idp/internal/signing/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "opaque-idp-worker")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", logging.Err(err))
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := sessionservice.NewService(sessionrepo.NewPostgresRepository(conn), security.NewRefreshHasher(cfg.RefreshTokenPepper), nil, nil, sessionservice.Config{}, logger)
	signer := signingservice.NewService(signingrepo.NewPostgresRepository(conn), kek.FromSecret(cfg.KEKSecret), signingservice.Config{
		Issuer:            cfg.JWTIssuer,
		Audience:          cfg.JWTAudience,
		AllowInsecureKeys: cfg.SigningAllowInsecureKeys,
		Retention:         cfg.KeyRetention(),
	}, logger.Named("signing"))

	var wg sync.WaitGroup
	brokers := cfg.KafkaBrokersList()
	if len(brokers) > 0 && cfg.LokiURL != "" {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          cfg.EventsKafkaTopic,
			GroupID:        cfg.KafkaGroupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB
			MaxWait:        1 * time.Second,
			CommitInterval: time.Second,
		})
		defer reader.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("forwarding security events",
				zap.String("topic", cfg.EventsKafkaTopic), zap.String("group", cfg.KafkaGroupID))
			loki.Forward(ctx, reader, loki.New(cfg.LokiURL, nil), logger.Named("forwarder"))
		}()
	}

	logger.Info("worker started", zap.Duration("sweep_interval", cfg.SweepEvery()), zap.Duration("rotation_interval", cfg.RotationInterval()))
	maintenance.Run(ctx, logger,
		maintenance.SweepSessions(sessions, cfg.SweepEvery()),
		maintenance.SweepHandshakes(opaquerepo.NewPostgresRepository(conn), cfg.SweepEvery()),
		maintenance.RotateKeys(signer, cfg.RotationInterval(), logger),
		maintenance.PruneKeys(signer, time.Hour),
	)
	wg.Wait()
	logger.Info("worker stopped")
}
