package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/usememos/chatsync/store"
)

const chatColumns = "`id`, `title`, `version`, UNIX_TIMESTAMP(`created_ts`), UNIX_TIMESTAMP(`updated_ts`)"

func (d *DB) CreateChat(ctx context.Context, create *store.Chat) (*store.Chat, error) {
	id := shortuuid.New()
	stmt := "INSERT INTO `chat` (`id`, `title`) VALUES (?, ?)"
	if _, err := d.db.ExecContext(ctx, stmt, id, create.Title); err != nil {
		return nil, err
	}
	// Fetch it back to populate version and timestamps.
	list, err := d.ListChats(ctx, &store.FindChat{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("chat %s vanished after insert", id)
	}
	return list[0], nil
}

func (d *DB) ListChats(ctx context.Context, find *store.FindChat) ([]*store.Chat, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "`id` = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM `chat` WHERE %s ORDER BY `updated_ts` DESC, `created_ts` DESC",
		chatColumns, strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Chat
	for rows.Next() {
		c := &store.Chat{}
		if err := rows.Scan(&c.ID, &c.Title, &c.Version, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (d *DB) UpdateChat(ctx context.Context, update *store.UpdateChat) (*store.Chat, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := lockChat(ctx, tx, update.ID, update.ExpectedVersion); err != nil {
		return nil, err
	}

	set, args := []string{"`version` = `version` + 1", "`updated_ts` = GREATEST(`updated_ts`, CURRENT_TIMESTAMP)"}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "`title` = ?"), append(args, *v)
	}
	args = append(args, update.ID)
	stmt := fmt.Sprintf("UPDATE `chat` SET %s WHERE `id` = ?", strings.Join(set, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, err
	}

	c := &store.Chat{}
	if err := tx.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM `chat` WHERE `id` = ?", update.ID).
		Scan(&c.ID, &c.Title, &c.Version, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DB) DeleteChat(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM `chat` WHERE `id` = ?", id)
	return err
}

func (d *DB) DeleteAllChats(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM `chat`")
	return err
}

func (d *DB) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := lockChat(ctx, tx, create.ChatID, create.ExpectedVersion); err != nil {
		return nil, err
	}

	stmt := "INSERT INTO `chat_message` (`chat_id`, `role`, `content`) VALUES (?, ?, ?)"
	result, err := tx.ExecContext(ctx, stmt, create.ChatID, create.Role, create.Content)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	m := &store.Message{
		ID:      int32(rawID),
		ChatID:  create.ChatID,
		Role:    create.Role,
		Content: create.Content,
	}
	if err := tx.QueryRowContext(ctx, "SELECT UNIX_TIMESTAMP(`created_ts`) FROM `chat_message` WHERE `id` = ?", m.ID).
		Scan(&m.CreatedTs); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE `chat` SET `version` = `version` + 1, `updated_ts` = GREATEST(`updated_ts`, FROM_UNIXTIME(?)) WHERE `id` = ?",
		m.CreatedTs, create.ChatID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	query := "SELECT `id`, `chat_id`, `role`, `content`, UNIX_TIMESTAMP(`created_ts`) " +
		"FROM `chat_message` WHERE `chat_id` = ? ORDER BY `created_ts` ASC, `id` ASC"
	rows, err := d.db.QueryContext(ctx, query, find.ChatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Message
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedTs); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func lockChat(ctx context.Context, tx *sql.Tx, id string, expected int64) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, "SELECT `version` FROM `chat` WHERE `id` = ? FOR UPDATE", id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrChatNotFound
	}
	if err != nil {
		return 0, err
	}
	if expected != 0 && version != expected {
		return 0, store.ErrVersionConflict
	}
	return version, nil
}
