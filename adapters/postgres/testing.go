package postgres

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts PostgreSQL for the duration of the test and
// returns an open pool.
func NewTestContainer(t Testing) *Pool {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "eventvault",
			"POSTGRES_PASSWORD": "eventvault",
			"POSTGRES_DB":       "eventvault",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := pgC.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	url := fmt.Sprintf("postgres://eventvault:eventvault@%s/eventvault?sslmode=disable", endpoint)
	t.Logf("postgres endpoint: %s", endpoint)

	pool, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
