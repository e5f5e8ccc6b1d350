package database

import (
	"testing"

	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/test/util"
)

// NewTestClient creates a test database client bound to an isolated schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// Schema drop and connection close are handled by SetupTestDatabase.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	db, dsn := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db, dsn)
}
