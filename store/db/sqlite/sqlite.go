package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/usememos/chatsync/internal/profile"
	"github.com/usememos/chatsync/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - Foreign keys are enforced so chat deletes cascade.
	// - busy_timeout keeps concurrent writers from failing on SQLITE_BUSY.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across the pool.
	sqliteDB.SetMaxOpenConns(1)

	driver := DB{db: sqliteDB, profile: profile}
	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat (
			id         TEXT    NOT NULL PRIMARY KEY,
			title      TEXT    NOT NULL DEFAULT 'New Chat',
			version    INTEGER NOT NULL DEFAULT 1,
			created_ts BIGINT  NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_ts BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    TEXT    NOT NULL REFERENCES chat(id) ON DELETE CASCADE,
			role       TEXT    NOT NULL,
			content    TEXT    NOT NULL,
			created_ts BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_message_chat ON chat_message(chat_id)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate sqlite schema")
		}
	}
	return nil
}
