// Package testutil starts throwaway backend containers for integration
// tests. Each backend is started at most once per test binary and torn
// down when the tests finish.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error

	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// PostgresDSN returns a DSN for a shared throwaway Postgres instance.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	pgOnce.Do(func() {
		// Generous timeout for CI environments.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		pgC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Verify SQL connectivity, not just the open port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://loom:loom@%s:%s/loom_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "loom",
				"POSTGRES_PASSWORD": "loom",
				"POSTGRES_DB":       "loom_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}
		t.Cleanup(func() { testcontainers.CleanupContainer(t, pgC) })

		endpoint, err := pgC.Endpoint(ctx, "")
		if err != nil {
			_ = pgC.Terminate(context.Background())
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://loom:loom@%s/loom_test?sslmode=disable", endpoint)
	})

	require.NoError(t, pgErr, "postgres container failed to start")
	return pgDSN
}

// RedisAddr returns the host:port of a shared throwaway Redis instance.
func RedisAddr(t *testing.T) string {
	t.Helper()

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}
		t.Cleanup(func() { testcontainers.CleanupContainer(t, redisC) })

		endpoint, err := redisC.Endpoint(ctx, "")
		if err != nil {
			_ = redisC.Terminate(context.Background())
			redisErr = err
			return
		}
		redisAddr = endpoint
	})

	require.NoError(t, redisErr, "redis container failed to start")
	return redisAddr
}

// MongoURI returns the connection URI of a shared throwaway MongoDB
// instance.
func MongoURI(t *testing.T) string {
	t.Helper()

	mongoOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			mongoErr = err
			return
		}
		t.Cleanup(func() { testcontainers.CleanupContainer(t, mongoC) })

		endpoint, err := mongoC.Endpoint(ctx, "")
		if err != nil {
			_ = mongoC.Terminate(context.Background())
			mongoErr = err
			return
		}
		mongoURI = "mongodb://" + endpoint
	})

	require.NoError(t, mongoErr, "mongo container failed to start")
	return mongoURI
}
