package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/awilder/housecall/internal/domain"
)

type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) Create(ctx context.Context) (*domain.Conversation, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations DEFAULT VALUES
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

func (s *ConversationStore) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trade, diagnosis, action_required, estimated_cost, address, lat, lng, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(
		&conv.ID, &conv.Trade, &conv.Diagnosis, &conv.ActionRequired, &conv.EstimatedCost,
		&conv.Address, &conv.Lat, &conv.Lng, &conv.CreatedAt, &conv.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conv, nil
}

// UpdateDiagnosis replaces the conversation's accepted diagnosis with rec.
func (s *ConversationStore) UpdateDiagnosis(ctx context.Context, id int64, rec *domain.DiagnosisRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET trade = ?, diagnosis = ?, action_required = ?, estimated_cost = ?, updated_at = datetime('now')
		WHERE id = ?
	`, rec.Trade, rec.Diagnosis, rec.ActionRequired, rec.EstimatedCost, id)
	if err != nil {
		return fmt.Errorf("failed to update diagnosis: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("conversation not found")
	}

	return nil
}

func (s *ConversationStore) UpdateLocation(ctx context.Context, id int64, loc domain.Location) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET address = ?, lat = ?, lng = ?, updated_at = datetime('now')
		WHERE id = ?
	`, loc.Address, loc.Lat, loc.Lng, id)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("conversation not found")
	}

	return nil
}
