// Command sessionbrokerd runs the session broker as a standalone HTTP
// service. Configuration comes from the environment (a local .env file is
// honored in development); when no directory backend URL is configured the
// daemon falls back to an in-memory directory, which is only useful for
// demos and local testing.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	sessionbroker "github.com/ashvell/sessionbroker"
	"github.com/ashvell/sessionbroker/directory"
	"github.com/ashvell/sessionbroker/httpapi"
)

type appConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"sb"`

	DirectoryURL     string        `env:"DIRECTORY_URL"`
	DirectoryAPIKey  string        `env:"DIRECTORY_API_KEY"`
	DirectoryTimeout time.Duration `env:"DIRECTORY_TIMEOUT" envDefault:"5s"`

	JWTSigningMethod  string        `env:"JWT_SIGNING_METHOD" envDefault:"ed25519"`
	JWTPrivateKeyFile string        `env:"JWT_PRIVATE_KEY_FILE"`
	JWTPublicKeyFile  string        `env:"JWT_PUBLIC_KEY_FILE"`
	JWTSecret         string        `env:"JWT_HS256_SECRET"`
	JWTIssuer         string        `env:"JWT_ISSUER" envDefault:"sessionbroker"`
	AccessTTL         time.Duration `env:"ACCESS_TTL" envDefault:"15m"`

	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"720h"`

	CookieName   string `env:"COOKIE_NAME" envDefault:"sb_refresh"`
	CookieDomain string `env:"COOKIE_DOMAIN"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"true"`

	EventsEnabled  bool `env:"EVENTS_ENABLED" envDefault:"true"`
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("sessionbrokerd failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	brokerCfg, err := buildBrokerConfig(cfg)
	if err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	dir, err := buildDirectory(cfg, logger)
	if err != nil {
		return err
	}

	broker, err := sessionbroker.New().
		WithConfig(brokerCfg).
		WithRedis(redisClient).
		WithDirectory(dir).
		WithEventSink(sessionbroker.NewZapSink(logger.Named("events"))).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	defer broker.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.New(broker, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	return server.Shutdown(ctx)
}

func buildBrokerConfig(cfg appConfig) (sessionbroker.Config, error) {
	out := sessionbroker.DefaultConfig()
	out.JWT.SigningMethod = cfg.JWTSigningMethod
	out.JWT.AccessTTL = cfg.AccessTTL
	out.JWT.Issuer = cfg.JWTIssuer
	out.Session.RedisPrefix = cfg.RedisPrefix
	out.Session.Lifetime = cfg.SessionLifetime
	out.Cookie.Name = cfg.CookieName
	out.Cookie.Domain = cfg.CookieDomain
	out.Cookie.Secure = cfg.CookieSecure
	out.Events.Enabled = cfg.EventsEnabled
	out.Metrics.Enabled = cfg.MetricsEnabled

	switch cfg.JWTSigningMethod {
	case "hs256":
		out.JWT.PrivateKey = []byte(cfg.JWTSecret)
	case "ed25519":
		priv, err := os.ReadFile(cfg.JWTPrivateKeyFile)
		if err != nil {
			return sessionbroker.Config{}, err
		}
		pub, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return sessionbroker.Config{}, err
		}
		out.JWT.PrivateKey = priv
		out.JWT.PublicKey = pub
	}

	return out, nil
}

func buildDirectory(cfg appConfig, logger *zap.Logger) (directory.Client, error) {
	if cfg.DirectoryURL == "" {
		logger.Warn("DIRECTORY_URL not set, using in-memory directory (accounts are lost on restart)")
		return directory.NewMemory(), nil
	}
	return directory.NewHTTPClient(cfg.DirectoryURL, cfg.DirectoryAPIKey, cfg.DirectoryTimeout)
}
