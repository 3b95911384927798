package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/awilder/housecall/internal/domain"
)

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, attachments, has_updated_diagnosis)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.Role, msg.Content, string(attachments), msg.HasUpdatedDiagnosis)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

func (s *MessageStore) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, attachments, feedback, has_updated_diagnosis, created_at
		FROM messages WHERE id = ?
	`, id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) ListByConversationID(ctx context.Context, conversationID int64) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, attachments, feedback, has_updated_diagnosis, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// LastAssistant returns the most recent assistant message in the
// conversation, or nil when there is none.
func (s *MessageStore) LastAssistant(ctx context.Context, conversationID int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, attachments, feedback, has_updated_diagnosis, created_at
		FROM messages WHERE conversation_id = ? AND role = 'assistant'
		ORDER BY id DESC LIMIT 1
	`, conversationID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last assistant message: %w", err)
	}
	return msg, nil
}

// SetFeedback toggles the user feedback on a message. fb may be nil to clear.
func (s *MessageStore) SetFeedback(ctx context.Context, id int64, fb *domain.Feedback) error {
	var val any
	if fb != nil {
		val = string(*fb)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET feedback = ? WHERE id = ?
	`, val, id)
	if err != nil {
		return fmt.Errorf("failed to set feedback: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("message not found")
	}

	return nil
}

func (s *MessageStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("message not found")
	}

	return nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (*domain.Message, error) {
	msg := &domain.Message{}
	var attachments string
	var feedback sql.NullString

	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&attachments, &feedback, &msg.HasUpdatedDiagnosis, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if feedback.Valid {
		fb := domain.Feedback(feedback.String)
		msg.Feedback = &fb
	}

	return msg, nil
}
