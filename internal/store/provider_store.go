package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/awilder/housecall/internal/domain"
)

type ProviderStore struct {
	db *sql.DB
}

func NewProviderStore(db *sql.DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// ReplaceForConversation swaps the conversation's provider list wholesale.
// Each successful search supersedes the previous results entirely.
func (s *ProviderStore) ReplaceForConversation(ctx context.Context, conversationID int64, providers []domain.Provider) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM providers WHERE conversation_id = ?
	`, conversationID); err != nil {
		return fmt.Errorf("failed to delete old providers: %w", err)
	}

	for _, p := range providers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO providers (conversation_id, name, trade, phone, rating, address, open_now)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, conversationID, p.Name, p.Trade, p.Phone, p.Rating, p.Address, p.OpenNow); err != nil {
			return fmt.Errorf("failed to insert provider %q: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit providers: %w", err)
	}
	return nil
}

func (s *ProviderStore) ListByConversationID(ctx context.Context, conversationID int64) ([]*domain.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, name, trade, phone, rating, address, open_now
		FROM providers WHERE conversation_id = ? ORDER BY rating DESC, name ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var providers []*domain.Provider
	for rows.Next() {
		p := &domain.Provider{}
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Name, &p.Trade, &p.Phone, &p.Rating, &p.Address, &p.OpenNow); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}

	return providers, nil
}

func (s *ProviderStore) CountByConversationID(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM providers WHERE conversation_id = ?
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count providers: %w", err)
	}
	return count, nil
}
