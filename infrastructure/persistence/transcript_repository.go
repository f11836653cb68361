package persistence

import (
	"context"
	"errors"
	"fmt"

	"peerwave-chat/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TranscriptRepository implements persistence.TranscriptRepository on gorm
type TranscriptRepository struct {
	db *gorm.DB
}

// NewTranscriptRepository creates a new transcript repository
func NewTranscriptRepository(db *gorm.DB) persistence.TranscriptRepository {
	return &TranscriptRepository{db: db}
}

// getDB returns the database instance, checking for transaction context
func (r *TranscriptRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Create creates a new transcript record
func (r *TranscriptRepository) Create(ctx context.Context, entity *persistence.TranscriptRecord) error {
	db := r.getDB(ctx)
	if err := db.Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create transcript record: %w", err)
	}
	return nil
}

// Update updates an existing transcript record
func (r *TranscriptRepository) Update(ctx context.Context, entity *persistence.TranscriptRecord) error {
	db := r.getDB(ctx)
	if err := db.Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update transcript record: %w", err)
	}
	return nil
}

// FindByID finds a transcript record by ID
func (r *TranscriptRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.TranscriptRecord, error) {
	db := r.getDB(ctx)
	var record persistence.TranscriptRecord
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", id, persistence.ErrTranscriptNotFound)
		}
		return nil, fmt.Errorf("failed to find transcript record: %w", err)
	}
	return &record, nil
}

// FindByStatus finds transcript records by status, newest first
func (r *TranscriptRepository) FindByStatus(ctx context.Context, status persistence.TranscriptStatus, limit int) ([]*persistence.TranscriptRecord, error) {
	db := r.getDB(ctx)
	var records []*persistence.TranscriptRecord
	query := db.Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find transcript records by status: %w", err)
	}
	return records, nil
}

// FindRecent finds the most recent transcript records
func (r *TranscriptRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.TranscriptRecord, error) {
	db := r.getDB(ctx)
	var records []*persistence.TranscriptRecord
	query := db.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent transcript records: %w", err)
	}
	return records, nil
}

// UpdateStatus updates the status of a transcript record
func (r *TranscriptRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.TranscriptStatus) error {
	db := r.getDB(ctx)
	result := db.Model(&persistence.TranscriptRecord{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update transcript status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("status update %s: %w", id, persistence.ErrTranscriptNotFound)
	}
	return nil
}

// Delete deletes a transcript record
func (r *TranscriptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	db := r.getDB(ctx)
	result := db.Delete(&persistence.TranscriptRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete transcript record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("delete %s: %w", id, persistence.ErrTranscriptNotFound)
	}
	return nil
}

// GetStats aggregates all stored transcripts. Averages only cover
// transcripts that reached a terminal status.
func (r *TranscriptRepository) GetStats(ctx context.Context) (*persistence.TranscriptStats, error) {
	db := r.getDB(ctx)

	var counts []struct {
		Status persistence.TranscriptStatus
		Count  int64
	}
	if err := db.Model(&persistence.TranscriptRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count transcripts by status: %w", err)
	}

	var result struct {
		AverageLatencyMs   float64
		AverageFragments   float64
		TotalFragments     int64
		AverageResponseLen float64
	}
	if err := db.Model(&persistence.TranscriptRecord{}).
		Select(`
			COALESCE(AVG(latency_ms), 0) as average_latency_ms,
			COALESCE(AVG(fragment_count), 0) as average_fragments,
			COALESCE(SUM(fragment_count), 0) as total_fragments,
			COALESCE(AVG(LENGTH(response)), 0) as average_response_len
		`).
		Where("status <> ?", persistence.TranscriptStatusPending).
		Scan(&result).Error; err != nil {
		return nil, fmt.Errorf("failed to get transcript stats: %w", err)
	}

	stats := &persistence.TranscriptStats{
		ByStatus:           make(map[persistence.TranscriptStatus]int64, len(counts)),
		AverageLatencyMs:   result.AverageLatencyMs,
		AverageFragments:   result.AverageFragments,
		TotalFragments:     result.TotalFragments,
		AverageResponseLen: result.AverageResponseLen,
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
		stats.TotalTranscripts += c.Count
	}
	return stats, nil
}
