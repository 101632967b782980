package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/usememos/chatsync/internal/profile"
	"github.com/usememos/chatsync/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	// Open the PostgreSQL connection
	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		slog.Error("failed to open database", slog.String("error", err.Error()))
		return nil, errors.Wrapf(err, "failed to open database: %s", profile.DSN)
	}

	var driver store.Driver = &DB{
		db:      db,
		profile: profile,
	}

	// Return the DB struct
	return driver, nil
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
			version    BIGINT  NOT NULL DEFAULT 1,
			created_ts BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_ts BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message (
			id         SERIAL  PRIMARY KEY,
			chat_id    TEXT    NOT NULL REFERENCES chat(id) ON DELETE CASCADE,
			role       TEXT    NOT NULL,
			content    TEXT    NOT NULL,
			created_ts BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_message_chat ON chat_message(chat_id)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate postgres schema")
		}
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
