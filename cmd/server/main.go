// server runs the identity provider: the HTTP API for both cohorts on HTTP_ADDR and the
// bearer-token gRPC surface on GRPC_ADDR.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"opaque-idp/internal/config"
	"opaque-idp/internal/db"
	"opaque-idp/internal/events"
	"opaque-idp/internal/events/producer"
	healthhandler "opaque-idp/internal/health/handler"
	identity "opaque-idp/internal/identity/domain"
	identityhandler "opaque-idp/internal/identity/handler"
	identityservice "opaque-idp/internal/identity/service"
	"opaque-idp/internal/kek"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/notify"
	"opaque-idp/internal/opaque/protocol"
	opaquerepo "opaque-idp/internal/opaque/repository"
	opaqueservice "opaque-idp/internal/opaque/service"
	otprepo "opaque-idp/internal/otp/repository"
	otpservice "opaque-idp/internal/otp/service"
	"opaque-idp/internal/policy/engine"
	"opaque-idp/internal/ratelimit"
	"opaque-idp/internal/rbac"
	rbacrepo "opaque-idp/internal/rbac/repository"
	"opaque-idp/internal/security"
	"opaque-idp/internal/server"
	sessionrepo "opaque-idp/internal/session/repository"
	sessionservice "opaque-idp/internal/session/service"
	"opaque-idp/internal/settings"
	settingsrepo "opaque-idp/internal/settings/repository"
	signingrepo "opaque-idp/internal/signing/repository"
	signingservice "opaque-idp/internal/signing/service"
	telemetryotel "opaque-idp/internal/telemetry/otel"
	userrepo "opaque-idp/internal/user/repository"
)

const (
	// burstPerSecond and burstSize bound any single IP ahead of the class limits.
	burstPerSecond = 50
	burstSize      = 100
	healthInterval = 10 * time.Second
	shutdownGrace  = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "opaque-idp")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", logging.Err(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()

	emitters := events.Multi{events.NewOTelEmitter(providers.LoggerProvider)}
	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.EventsKafkaTopic)
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
		logger.Info("security events publishing to kafka", zap.String("topic", cfg.EventsKafkaTopic))
	}
	defer func() {
		// Let in-flight async emits finish before the sinks go away.
		time.Sleep(events.ShutdownDrainDuration)
		_ = kafkaProducer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", logging.Err(err))
		}
	}()

	keys := kek.FromSecret(cfg.KEKSecret)
	if !keys.IsAvailable() {
		logger.Warn("KEK unavailable; secrets at rest cannot be wrapped")
	}
	source := settings.NewCachedSource(settingsrepo.NewPostgresRepository(conn), cfg.SettingsTTL())

	signer := signingservice.NewService(signingrepo.NewPostgresRepository(conn), keys, signingservice.Config{
		Issuer:            cfg.JWTIssuer,
		Audience:          cfg.JWTAudience,
		AllowInsecureKeys: cfg.SigningAllowInsecureKeys,
		Retention:         cfg.KeyRetention(),
	}, logger.Named("signing"))
	kid, err := signer.EnsureKey(ctx)
	if err != nil {
		return err
	}
	logger.Info("signing key ready", zap.String("kid", kid))

	records := opaquerepo.NewPostgresRepository(conn)
	pake, err := opaqueEngine(cfg, records, keys, logger)
	if err != nil {
		return err
	}

	sessions := sessionservice.NewService(
		sessionrepo.NewPostgresRepository(conn),
		security.NewRefreshHasher(cfg.RefreshTokenPepper),
		signer, emitters,
		sessionservice.Config{ReauthTTL: cfg.ReauthTokenTTL()},
		logger.Named("session"),
	)
	policy := engine.NewOPAEvaluator(logger.Named("policy"))
	otp := otpservice.NewService(otprepo.NewPostgresRepository(conn), keys, policy, emitters, logger.Named("otp"))
	users := userrepo.NewPostgresRepository(conn)
	access := rbac.NewResolver(rbacrepo.NewPostgresRepository(conn))
	auth := identityservice.NewAuthService(
		users, records, pake, sessions, otp, access,
		notify.NewEventNotifier(emitters, logger), emitters, logger.Named("auth"),
	)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), source, emitters, logger.Named("ratelimit"))
	burst := ratelimit.NewBurstGuard(burstPerSecond, burstSize)
	go limiter.RunSweeper(ctx, time.Minute)
	go burst.RunSweeper(ctx, time.Minute)

	checker := healthhandler.NewChecker(conn, policy)
	healthSrv := health.NewServer()
	go healthhandler.Watch(ctx, checker, healthSrv, healthInterval, logger)

	handlerCfg := identityhandler.Config{SecureCookies: cfg.CookieSecure, TrustProxy: cfg.TrustProxy}
	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Users:      identityhandler.New(identity.CohortUser, auth, sessions, limiter, source, handlerCfg, logger),
			Admins:     identityhandler.New(identity.CohortAdmin, auth, sessions, limiter, source, handlerCfg, logger),
			Keys:       signer,
			Health:     checker,
			Burst:      burst,
			TrustProxy: cfg.TrustProxy,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(server.Deps{
		Verifier:   signer,
		Limiter:    limiter,
		Access:     access,
		Keys:       signer,
		Health:     healthSrv,
		TrustProxy: cfg.TrustProxy,
		Logger:     logger.Named("grpc"),
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("listener failed", logging.Err(err))
	}

	logger.Info("shutting down")
	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Err(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return nil
}

// opaqueEngine builds the credential engine. Handshake state lives in Redis when REDIS_URL
// is set and in Postgres otherwise. Outside production, missing key material is generated
// per process, which invalidates every registration on restart.
func opaqueEngine(cfg *config.Config, records *opaquerepo.PostgresRepository, keys kek.Service, logger *zap.Logger) (*opaqueservice.Engine, error) {
	km := protocol.KeyMaterial{ServerID: []byte(cfg.OpaqueServerID)}
	if priv, pub, seed, ok := cfg.OpaqueKeyMaterial(); ok {
		km.PrivateKey, km.PublicKey, km.OPRFSeed = priv, pub, seed
	} else if cfg.IsProduction() {
		return nil, errors.New("OPAQUE_SERVER_PRIVATE_KEY, OPAQUE_SERVER_PUBLIC_KEY and OPAQUE_OPRF_SEED are required in production")
	} else {
		logger.Warn("OPAQUE key material not configured; using ephemeral keys")
		km = protocol.GenerateKeyMaterial(cfg.OpaqueServerID)
	}
	p, err := protocol.NewBytemare(km)
	if err != nil {
		return nil, err
	}

	var handshakes opaqueservice.LoginSessionStore = records
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		handshakes = opaquerepo.NewRedisLoginSessionStore(redis.NewClient(opts))
		logger.Info("OPAQUE handshakes stored in redis")
	}
	return opaqueservice.NewEngine(p, records, handshakes, keys, opaqueservice.Config{
		LoginTTL:               cfg.LoginTTL(),
		AllowPlaintextIdentity: cfg.OpaqueAllowPlaintextIdentity,
	}, logger.Named("opaque")), nil
}
