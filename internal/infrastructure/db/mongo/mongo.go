package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	connectTimeout = 10 * time.Second
	appName        = "syncstore"
)

// Config holds the connection settings for the backend database.
type Config struct {
	URI      string
	Database string
	// PoolSize caps open connections. Zero keeps the driver default.
	PoolSize uint64
	Timeout  time.Duration
}

// Connect dials the database and pings the primary before returning. The
// client is disconnected again when the ping fails.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, *mongo.Database, error) {
	if cfg.Database == "" {
		return nil, nil, fmt.Errorf("mongo connect: database name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = connectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(appName).
		SetServerSelectionTimeout(timeout)
	if cfg.PoolSize > 0 {
		opts.SetMaxPoolSize(cfg.PoolSize)
	}
	client, err := mongo.Connect(dialCtx, opts)
	if err != nil {
		return nil, nil, mapErr("mongo connect", err)
	}
	if err := Ping(dialCtx, client); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return client, client.Database(cfg.Database), nil
}

// Ping checks that the primary is reachable. It backs the readiness probe.
func Ping(ctx context.Context, client *mongo.Client) error {
	return mapErr("mongo ping", client.Ping(ctx, readpref.Primary()))
}
