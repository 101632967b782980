package postgres

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
	stmt := `INSERT INTO chat (id, title)
	         VALUES ($1, $2)
	         RETURNING version, created_ts, updated_ts`
	if err := d.db.QueryRowContext(ctx, stmt, chat.ID, chat.Title).
		Scan(&chat.Version, &chat.CreatedTs, &chat.UpdatedTs); err != nil {
		return nil, err
	}
	return chat, nil
}

func (d *DB) ListChats(ctx context.Context, find *store.FindChat) ([]*store.Chat, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
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

	set, args := []string{"version = version + 1", "updated_ts = GREATEST(updated_ts, EXTRACT(EPOCH FROM NOW())::BIGINT)"}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ID)
	stmt := fmt.Sprintf(
		`UPDATE chat SET %s WHERE id = %s
		 RETURNING id, title, version, created_ts, updated_ts`,
		strings.Join(set, ", "), placeholder(len(args)),
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
	_, err := d.db.ExecContext(ctx, `DELETE FROM chat WHERE id = $1`, id)
	return err
}

func (d *DB) DeleteAllChats(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM chat`)
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

	stmt := `INSERT INTO chat_message (chat_id, role, content)
	         VALUES ($1, $2, $3)
	         RETURNING id, created_ts`
	m := &store.Message{
		ChatID:  create.ChatID,
		Role:    create.Role,
		Content: create.Content,
	}
	if err := tx.QueryRowContext(ctx, stmt, create.ChatID, create.Role, create.Content).
		Scan(&m.ID, &m.CreatedTs); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat SET version = version + 1, updated_ts = GREATEST(updated_ts, $1) WHERE id = $2`,
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
	query := `SELECT id, chat_id, role, content, created_ts
	          FROM chat_message WHERE chat_id = $1 ORDER BY created_ts ASC, id ASC`
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

// lockChat takes a row lock on the chat for the rest of tx and checks its
// version against expected. A zero expected version skips the check.
func lockChat(ctx context.Context, tx *sql.Tx, id string, expected int64) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM chat WHERE id = $1 FOR UPDATE`, id).Scan(&version)
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
