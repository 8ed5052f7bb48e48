package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/npezzotti/blyss-chat/internal/types"
)

const (
	upsertThreadQuery = "INSERT INTO threads (id, type, title, created_by, created_at, updated_at, archived_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7) " +
		"ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, title = EXCLUDED.title, " +
		"updated_at = EXCLUDED.updated_at, archived_at = EXCLUDED.archived_at"

	upsertParticipantQuery = "INSERT INTO thread_participants (thread_id, user_id, username, avatar_url, role, last_read_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6) " +
		"ON CONFLICT (thread_id, user_id) DO UPDATE SET username = EXCLUDED.username, " +
		"avatar_url = EXCLUDED.avatar_url, role = EXCLUDED.role, last_read_at = EXCLUDED.last_read_at"

	upsertMessageQuery = "INSERT INTO messages (id, thread_id, sender_id, sender_username, sender_avatar, content, message_type, attachment_url, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) " +
		"ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, sender_username = EXCLUDED.sender_username, " +
		"sender_avatar = EXCLUDED.sender_avatar, attachment_url = EXCLUDED.attachment_url"
)

func (db *PgArchive) SaveThreads(ctx context.Context, threads []types.Thread) (err error) {
	if len(threads) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, t := range threads {
		_, err = tx.ExecContext(ctx, upsertThreadQuery,
			t.Id,
			string(t.Type),
			nullString(t.Title),
			t.CreatedBy,
			nullTime(t.CreatedAt),
			nullTime(t.UpdatedAt),
			now,
		)
		if err != nil {
			return fmt.Errorf("save thread %q: %w", t.Id, err)
		}

		for _, p := range t.Participants {
			var username, avatar string
			if p.User != nil {
				username, avatar = p.User.Username, p.User.AvatarURL
			}
			_, err = tx.ExecContext(ctx, upsertParticipantQuery,
				t.Id,
				p.UserId,
				username,
				avatar,
				p.Role,
				p.LastReadAt,
			)
			if err != nil {
				return fmt.Errorf("save participant %q of thread %q: %w", p.UserId, t.Id, err)
			}
		}
	}

	return tx.Commit()
}

func (db *PgArchive) SaveMessages(ctx context.Context, messages []types.Message) (err error) {
	if len(messages) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertMessageQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range messages {
		_, err = stmt.ExecContext(ctx,
			m.Id,
			m.ThreadId,
			m.SenderId,
			m.Sender.Username,
			m.Sender.AvatarURL,
			m.Content,
			m.MessageType,
			m.AttachmentURL,
			m.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("save message %q: %w", m.Id, err)
		}
	}

	return tx.Commit()
}

// ListMessages returns the newest limit messages of a thread, oldest first.
func (db *PgArchive) ListMessages(ctx context.Context, threadId string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
		SELECT id, thread_id, sender_id, sender_username, sender_avatar,
		       content, message_type, attachment_url, created_at
		FROM (
			SELECT * FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC;
`

	rows, err := db.conn.QueryContext(ctx, query, threadId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []types.Message{}
	for rows.Next() {
		var m types.Message
		err := rows.Scan(
			&m.Id,
			&m.ThreadId,
			&m.SenderId,
			&m.Sender.Username,
			&m.Sender.AvatarURL,
			&m.Content,
			&m.MessageType,
			&m.AttachmentURL,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		m.Sender.Id = m.SenderId
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
