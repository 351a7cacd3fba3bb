// Package testutil holds shared test fixtures: a throwaway PostgreSQL
// container for the storage integration tests and a quiet logger.
//
// Typical TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/tane/internal/storage"
	"github.com/ashita-ai/tane/migrations"
)

const (
	postgresImage = "postgres:18-alpine"
	postgresCreds = "tane"
	startTimeout  = 60 * time.Second
)

// TestContainer is a running PostgreSQL container and the DSN that reaches it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a PostgreSQL container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresCreds,
				"POSTGRES_PASSWORD": postgresCreds,
				"POSTGRES_DB":       postgresCreds,
			},
			// The server logs readiness twice: once for the init run, once for real.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start postgres: %w", err)
	}

	tc := &TestContainer{Container: container}
	host, err := container.Host(ctx)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}
	tc.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresCreds, postgresCreds, host, port.Port(), postgresCreds)
	return tc, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process on
// failure.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB connects a storage.DB to the container and brings the schema up
// to date.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: connect: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger that only surfaces warnings and errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
