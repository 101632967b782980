package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/usememos/chatsync/store"
)

func (d *DB) CreateChat(ctx context.Context, create *store.Chat) (*store.Chat, error) {
	chat := &store.Chat{
		ID:    shortuuid.New(),
		Title: create.Title,
	}
	stmt := `INSERT INTO chat (id, title) VALUES (?, ?) RETURNING version, created_ts, updated_ts`
	if err := d.db.QueryRowContext(ctx, stmt, chat.ID, chat.Title).
		Scan(&chat.Version, &chat.CreatedTs, &chat.UpdatedTs); err != nil {
		return nil, err
	}
	return chat, nil
}

func (d *DB) ListChats(ctx context.Context, find *store.FindChat) ([]*store.Chat, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, title, version, created_ts, updated_ts
		 FROM chat WHERE %s ORDER BY updated_ts DESC, created_ts DESC`,
		strings.Join(where, " AND "),
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

	set, args := []string{"version = version + 1", "updated_ts = MAX(updated_ts, strftime('%s', 'now'))"}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "title = ?"), append(args, *v)
	}
	args = append(args, update.ID)
	stmt := fmt.Sprintf(
		`UPDATE chat SET %s WHERE id = ? RETURNING id, title, version, created_ts, updated_ts`,
		strings.Join(set, ", "),
	)
	c := &store.Chat{}
	if err := tx.QueryRowContext(ctx, stmt, args...).
		Scan(&c.ID, &c.Title, &c.Version, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DB) DeleteChat(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_message WHERE chat_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) DeleteAllChats(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_message`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat`); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	version, err := lockChat(ctx, tx, create.ChatID, create.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	m := &store.Message{
		ChatID:  create.ChatID,
		Role:    create.Role,
		Content: create.Content,
	}
	stmt := `INSERT INTO chat_message (chat_id, role, content) VALUES (?, ?, ?) RETURNING id, created_ts`
	if err := tx.QueryRowContext(ctx, stmt, create.ChatID, create.Role, create.Content).
		Scan(&m.ID, &m.CreatedTs); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE chat SET version = version + 1, updated_ts = MAX(updated_ts, ?) WHERE id = ? AND version = ?`,
		m.CreatedTs, create.ChatID, version,
	)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n != 1 {
		return nil, store.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	query := `SELECT id, chat_id, role, content, created_ts
	          FROM chat_message WHERE chat_id = ? ORDER BY created_ts ASC, id ASC`
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

// lockChat reads the chat's current version inside tx and checks it against
// expected. A zero expected version skips the check.
func lockChat(ctx context.Context, tx *sql.Tx, id string, expected int64) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM chat WHERE id = ?`, id).Scan(&version)
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
