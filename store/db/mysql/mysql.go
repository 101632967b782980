package mysql

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/usememos/chatsync/internal/profile"
	"github.com/usememos/chatsync/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
	config  *mysql.Config
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Open MySQL connection with parameter.
	dsn, err := mergeDSN(profile.DSN)
	if err != nil {
		return nil, err
	}

	driver := DB{profile: profile}
	driver.config, err = mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse merged DSN")
	}

	driver.db, err = sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db: %s", profile.DSN)
	}
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
		"CREATE TABLE IF NOT EXISTS `chat` (" +
			"`id` VARCHAR(64) NOT NULL PRIMARY KEY," +
			"`title` TEXT NOT NULL," +
			"`version` BIGINT NOT NULL DEFAULT 1," +
			"`created_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP," +
			"`updated_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP" +
			")",
		"CREATE TABLE IF NOT EXISTS `chat_message` (" +
			"`id` INT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
			"`chat_id` VARCHAR(64) NOT NULL," +
			"`role` VARCHAR(32) NOT NULL," +
			"`content` TEXT NOT NULL," +
			"`created_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP," +
			"INDEX `idx_chat_message_chat` (`chat_id`)," +
			"CONSTRAINT `fk_chat_message_chat` FOREIGN KEY (`chat_id`) REFERENCES `chat`(`id`) ON DELETE CASCADE" +
			")",
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate mysql schema")
		}
	}
	return nil
}

func mergeDSN(baseDSN string) (string, error) {
	config, err := mysql.ParseDSN(baseDSN)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse DSN: %s", baseDSN)
	}

	// Timestamps are read back through UNIX_TIMESTAMP, so the driver does not
	// need to parse DATETIME values.
	config.ParseTime = false
	return config.FormatDSN(), nil
}
