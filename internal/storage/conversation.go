package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetConversation returns the user's in-flight dialog, if any.
func (s *DB) GetConversation(ctx context.Context, userID int64) (Conversation, bool, error) {
	var (
		c       Conversation
		data    string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, flow, step, data, updated_at FROM conversation_state WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Flow, &c.Step, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	c.UpdatedAt = fromUnix(updated)
	c.Data = map[string]string{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &c.Data); err != nil {
			return Conversation{}, false, fmt.Errorf("storage: decode conversation %d: %w", userID, err)
		}
	}
	return c, true, nil
}

func (s *DB) SetConversation(ctx context.Context, c Conversation) error {
	if c.Data == nil {
		c.Data = map[string]string{}
	}
	b, err := json.Marshal(c.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_state(user_id, flow, step, data, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET flow = excluded.flow, step = excluded.step,
		   data = excluded.data, updated_at = excluded.updated_at`,
		c.UserID, c.Flow, c.Step, string(b), s.unixNow())
	return err
}

func (s *DB) ClearConversation(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_state WHERE user_id = ?`, userID)
	return err
}
