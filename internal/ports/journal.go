package ports

import (
	"context"

	"openrange/internal/domain"
)

// JournalRepository defines the interface for the durable per-stream journal.
// One record exists per (stream, trading date); Save upserts.
type JournalRepository interface {
	// Save writes or replaces the record for (rec.StreamID, rec.TradingDate).
	Save(ctx context.Context, rec *domain.JournalRecord) error
	// Find retrieves the record for a stream and trading date.
	// Returns nil, nil if no record exists.
	Find(ctx context.Context, streamID string, date domain.TradingDate) (*domain.JournalRecord, error)
	// FindByDate retrieves all records for a trading date.
	FindByDate(ctx context.Context, date domain.TradingDate) ([]*domain.JournalRecord, error)
}
