// Package dbtest provides PostgreSQL databases for tests. It uses
// TEST_DATABASE_URL when set and otherwise starts a throwaway container.
// Every caller gets a database of its own, so packages testing in parallel
// never see each other's rows.
package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
)

const (
	pgUser     = "postgres"
	pgPassword = "secret"
	pgDB       = "stockmarket_test"
	pgPort     = "5432"
	dsn        = "postgres://%s:%s@localhost:%s/%s?sslmode=disable"
)

// Start returns the URL of a new, empty database and a function that drops
// it. Close every pool on the database before calling cleanup.
func Start(ctx context.Context) (string, func(), error) {
	server, stop, err := startServer(ctx)
	if err != nil {
		return "", nil, err
	}

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := adminExec(ctx, server, "CREATE DATABASE "+name); err != nil {
		stop()
		return "", nil, fmt.Errorf("creating database: %w", err)
	}

	u, err := url.Parse(server)
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("parsing database url: %w", err)
	}
	u.Path = "/" + name

	cleanup := func() {
		_ = adminExec(context.Background(), server, "DROP DATABASE IF EXISTS "+name+" WITH (FORCE)")
		stop()
	}
	return u.String(), cleanup, nil
}

func adminExec(ctx context.Context, connString, sql string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

func startServer(ctx context.Context) (string, func(), error) {
	if u := os.Getenv("TEST_DATABASE_URL"); u != "" {
		return u, func() {}, nil
	}

	pool, err := dockertest.NewPool(os.Getenv("DOCKER_URL"))
	if err != nil {
		return "", nil, fmt.Errorf("creating docker pool: %w", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15",
		Env: []string{
			"POSTGRES_USER=" + pgUser,
			"POSTGRES_PASSWORD=" + pgPassword,
			"POSTGRES_DB=" + pgDB,
		},
		ExposedPorts: []string{pgPort},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", nil, fmt.Errorf("starting postgres container: %w", err)
	}
	_ = resource.Expire(120)

	conn := fmt.Sprintf(dsn, pgUser, pgPassword, resource.GetPort(pgPort+"/tcp"), pgDB)
	if err := pool.Retry(func() error {
		probe, err := pgxpool.New(ctx, conn)
		if err != nil {
			return err
		}
		defer probe.Close()
		return probe.Ping(ctx)
	}); err != nil {
		_ = pool.Purge(resource)
		return "", nil, fmt.Errorf("connecting to postgres container: %w", err)
	}

	return conn, func() { _ = pool.Purge(resource) }, nil
}
