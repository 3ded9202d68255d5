// Package repository provides data access for the lifecycle journal.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remote-hub-bridge/bridge/internal/model"
)

// JournalRepository provides data access for journal entries.
type JournalRepository struct {
	db *sql.DB
}

// NewJournalRepository creates a new JournalRepository.
func NewJournalRepository(db *sql.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Append inserts a new journal entry and returns it with its assigned
// id and timestamp.
func (r *JournalRepository) Append(ctx context.Context, kind model.JournalKind, detail string) (*model.JournalEntry, error) {
	entry := &model.JournalEntry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO journal (id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Kind,
		entry.Detail,
		entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append journal entry: %w", err)
	}

	return entry, nil
}

// Recent retrieves the most recent entries, newest first.
func (r *JournalRepository) Recent(ctx context.Context, limit int) ([]*model.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, detail, created_at
		FROM journal
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.JournalEntry
	for rows.Next() {
		entry := &model.JournalEntry{}
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}

	return entries, nil
}

// RecentByKind retrieves the most recent entries of one kind, newest
// first.
func (r *JournalRepository) RecentByKind(ctx context.Context, kind model.JournalKind, limit int) ([]*model.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, detail, created_at
		FROM journal
		WHERE kind = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.JournalEntry
	for rows.Next() {
		entry := &model.JournalEntry{}
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than the cutoff and returns how many
// were removed.
func (r *JournalRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM journal WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return removed, nil
}

// Count returns the total number of journal entries.
func (r *JournalRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return count, nil
}
