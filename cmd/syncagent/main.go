// Command syncagent runs the practice data-sync client as a long-lived
// agent: it signs in, keeps its cache in step with the backend through the
// realtime channel and serves a local inspection API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/api"
	"github.com/practicehub/syncstore/internal/api/handler"
	"github.com/practicehub/syncstore/internal/app"
	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/infrastructure/auth"
	mongodb "github.com/practicehub/syncstore/internal/infrastructure/db/mongo"
	redisdb "github.com/practicehub/syncstore/internal/infrastructure/db/redis"
	"github.com/practicehub/syncstore/internal/infrastructure/gateway"
	"github.com/practicehub/syncstore/internal/infrastructure/memory"
	"github.com/practicehub/syncstore/internal/infrastructure/queue"
	s3store "github.com/practicehub/syncstore/internal/infrastructure/storage/s3"
	"github.com/practicehub/syncstore/internal/pkg/config"
	"github.com/practicehub/syncstore/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	log := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "syncagent"})

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("syncagent stopped")
		os.Exit(1)
	}
}

// backend is everything the agent needs from one storage choice.
type backend struct {
	gateway  func(ports.TokenSource) (ports.Gateway, error)
	provider *auth.Provider
	dedup    ports.Deduplicator
	probes   []handler.Probe
	closers  []func(context.Context)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		b   *backend
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		b, err = memoryBackend(ctx, cfg, log)
	default:
		b, err = mongoBackend(ctx, cfg, log)
	}
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i := len(b.closers) - 1; i >= 0; i-- {
			b.closers[i](closeCtx)
		}
	}()

	store, err := objectStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	client, err := app.New(app.Dependencies{
		Auth: b.provider,
		Gateway: func(tokens ports.TokenSource) (ports.Gateway, error) {
			gw, err := b.gateway(tokens)
			if err != nil {
				return nil, err
			}
			return gateway.NewResilient(gw, gateway.Config{
				Timeout: cfg.Gateway.Timeout,
				Retries: cfg.Gateway.FetchRetries,
				Backoff: cfg.Gateway.Backoff,
			}, log), nil
		},
		Store:           store,
		Dedup:           b.dedup,
		Logger:          log,
		MutationTimeout: cfg.Gateway.Timeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	signIn(ctx, client, cfg.Session, log)

	e := api.NewRouter(api.Options{
		Client:   client,
		Verifier: b.provider,
		Probes:   b.probes,
		Logger:   logger.Component("api"),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("backend", cfg.Backend).Msg("inspection API listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	// The session is left open so a configured AGENT_TOKEN stays valid
	// across restarts.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func mongoBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	mclient, db, err := mongodb.Connect(ctx, mongodb.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		PoolSize: cfg.Mongo.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	rdb, err := redisdb.Connect(ctx, redisdb.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		_ = mclient.Disconnect(ctx)
		return nil, err
	}

	creds := mongodb.NewCredentialRepository(db)
	if err := creds.EnsureIndexes(ctx); err != nil {
		_ = rdb.Close()
		_ = mclient.Disconnect(ctx)
		return nil, err
	}
	provider := auth.NewProvider(creds, auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), redisdb.NewRevocations(rdb), log)

	realtime := redisdb.NewRealtime(rdb, log)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	publisher := queue.NewDispatcher(cfg.Gateway.Workers, realtime, log)
	publisher.Start(dispatchCtx)

	b := &backend{
		provider: provider,
		dedup:    redisdb.NewDedupChecker(rdb),
		probes: []handler.Probe{
			{Name: "mongodb", Check: func(ctx context.Context) error { return mongodb.Ping(ctx, mclient) }},
			{Name: "redis", Check: func(ctx context.Context) error { return redisdb.Ping(ctx, rdb, 2*time.Second) }},
		},
		closers: []func(context.Context){
			func(ctx context.Context) { _ = mclient.Disconnect(ctx) },
			func(context.Context) { _ = rdb.Close() },
			func(context.Context) { stopDispatch() },
		},
	}
	b.gateway = func(tokens ports.TokenSource) (ports.Gateway, error) {
		gw := mongodb.NewGateway(db, mongodb.GatewayOptions{
			Tokens:    tokens,
			Verifier:  provider,
			Publisher: publisher,
			Realtime:  realtime,
		}, log)
		if err := gw.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return gw, nil
	}
	log.Info().Str("database", cfg.Mongo.Database).Str("redis", cfg.Redis.Addr).Msg("backend connected")
	return b, nil
}

func memoryBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	gw := memory.NewGateway(log)
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
	}
	provider := auth.NewProvider(memory.NewCredentials(gw), auth.NewTokens(secret, cfg.Auth.TokenTTL), nil, log)

	// The agent's own credentials become the practice operator.
	if cfg.Session.Email != "" && cfg.Session.Password != "" {
		if _, err := provider.Provision(ctx, cfg.Session.Email, cfg.Session.Password, "Operator", domain.RoleOperator); err != nil {
			return nil, fmt.Errorf("provision operator: %w", err)
		}
	}
	log.Warn().Msg("running on the in-memory backend, nothing is persisted")
	return &backend{
		gateway:  func(ports.TokenSource) (ports.Gateway, error) { return gw, nil },
		provider: provider,
	}, nil
}

func objectStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ports.ObjectStore, error) {
	if cfg.S3.Bucket == "" {
		return memory.NewObjectStore("memory://objects"), nil
	}
	return s3store.New(ctx, s3store.Config{
		Bucket:          cfg.S3.Bucket,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		PathStyle:       cfg.S3.PathStyle,
		PublicBaseURL:   cfg.S3.PublicBaseURL,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretKey,
	}, log)
}

// signIn resumes AGENT_TOKEN or signs in with AGENT_EMAIL and AGENT_PASSWORD.
// Failure leaves the agent anonymous but serving.
func signIn(ctx context.Context, client *app.Client, s config.SessionConfig, log zerolog.Logger) {
	var (
		id  *domain.Identity
		err error
	)
	switch {
	case s.Token != "":
		id, err = client.Restore(ctx, s.Token)
	case s.Email != "" && s.Password != "":
		id, err = client.SignIn(ctx, s.Email, s.Password)
	default:
		log.Info().Msg("no agent credentials configured, staying anonymous")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("agent sign in failed")
		return
	}
	log.Info().Str("id", id.ID).Str("role", string(id.Role)).Msg("agent signed in")
}
