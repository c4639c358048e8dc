package postgres

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal"
	"github.com/DukeRupert/gatekeeper/internal/store"
	"github.com/DukeRupert/gatekeeper/internal/store/storetest"
)

// TestStore runs the conformance suite against a real database.
// Set TEST_DATABASE_URL to enable it.
func TestStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, internal.RunMigrations(db))

	storetest.Run(t, func(t *testing.T) store.Store {
		return New(db)
	})
}
