package migrate_test

import (
	"database/sql"
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/plaenen/eventcore/pkg/sqlite/migrate"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadParsesAndOrdersMigrations(t *testing.T) {
	migrations, err := migrate.Load(testMigrationsFS, "testdata")
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "create_accounts", migrations[0].Name)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE")
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "add_accounts_opened_at", migrations[1].Name)
}

func TestApplyRunsPendingMigrationsOnce(t *testing.T) {
	db := openTestDB(t)
	m := migrate.New(db, "schema_migrations")

	version, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, 0, version, "fresh database starts unversioned")

	migrations, err := migrate.Load(testMigrationsFS, "testdata")
	require.NoError(t, err)
	require.NoError(t, m.Apply(migrations))

	version, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// The migrated schema is usable.
	_, err = db.Exec("INSERT INTO accounts (id, balance, opened_at) VALUES ('a-1', 10, 0)")
	require.NoError(t, err)

	// Reapplying is a no-op rather than a duplicate-table failure.
	require.NoError(t, m.Apply(migrations))
}

func TestApplySkipsAlreadyAppliedVersions(t *testing.T) {
	db := openTestDB(t)
	m := migrate.New(db, "schema_migrations")

	migrations, err := migrate.Load(testMigrationsFS, "testdata")
	require.NoError(t, err)

	require.NoError(t, m.Apply(migrations[:1]))
	version, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, m.Apply(migrations))
	version, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestApplyRollsBackFailedMigration(t *testing.T) {
	db := openTestDB(t)
	m := migrate.New(db, "schema_migrations")

	err := m.Apply([]migrate.Migration{
		{Version: 1, Name: "broken", SQL: "CREATE TABLE broken (id TEXT; SYNTAX ERROR"},
	})
	require.Error(t, err)

	version, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, 0, version, "a failed migration must not be recorded")
}
