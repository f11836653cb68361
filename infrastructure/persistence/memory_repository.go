package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"peerwave-chat/domain/persistence"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const DefaultMemoryCapacity = 500

// MemoryTranscriptRepository keeps the most recently used transcripts in a
// bounded LRU. It backs the tracker when no database is configured.
type MemoryTranscriptRepository struct {
	mu    sync.Mutex
	cache *lru.Cache[uuid.UUID, persistence.TranscriptRecord]
}

// NewMemoryTranscriptRepository creates a repository holding at most
// capacity transcripts
func NewMemoryTranscriptRepository(capacity int) (*MemoryTranscriptRepository, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	cache, err := lru.NewWithEvict(capacity, func(id uuid.UUID, _ persistence.TranscriptRecord) {
		logrus.WithField("transcript_id", id).Debug("Evicted transcript from memory store")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript cache: %w", err)
	}
	return &MemoryTranscriptRepository{cache: cache}, nil
}

func (r *MemoryTranscriptRepository) Create(ctx context.Context, entity *persistence.TranscriptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if r.cache.Contains(entity.ID) {
		return fmt.Errorf("failed to create transcript record: %s already exists", entity.ID)
	}
	if entity.Status == "" {
		entity.Status = persistence.TranscriptStatusPending
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	r.cache.Add(entity.ID, *entity)
	return nil
}

// Update stores entity, inserting it when absent
func (r *MemoryTranscriptRepository) Update(ctx context.Context, entity *persistence.TranscriptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entity.ID == uuid.Nil {
		return fmt.Errorf("failed to update transcript record: missing id")
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	r.cache.Add(entity.ID, *entity)
	return nil
}

func (r *MemoryTranscriptRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.TranscriptRecord, error) {
	record, ok := r.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, persistence.ErrTranscriptNotFound)
	}
	return &record, nil
}

func (r *MemoryTranscriptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if !r.cache.Remove(id) {
		return fmt.Errorf("delete %s: %w", id, persistence.ErrTranscriptNotFound)
	}
	return nil
}

func (r *MemoryTranscriptRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.TranscriptRecord, error) {
	return r.find(limit, func(*persistence.TranscriptRecord) bool { return true }), nil
}

func (r *MemoryTranscriptRepository) FindByStatus(ctx context.Context, status persistence.TranscriptStatus, limit int) ([]*persistence.TranscriptRecord, error) {
	return r.find(limit, func(rec *persistence.TranscriptRecord) bool { return rec.Status == status }), nil
}

func (r *MemoryTranscriptRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.TranscriptStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.cache.Peek(id)
	if !ok {
		return fmt.Errorf("status update %s: %w", id, persistence.ErrTranscriptNotFound)
	}
	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	r.cache.Add(id, record)
	return nil
}

func (r *MemoryTranscriptRepository) GetStats(ctx context.Context) (*persistence.TranscriptStats, error) {
	stats := &persistence.TranscriptStats{
		ByStatus: make(map[persistence.TranscriptStatus]int64),
	}

	var finished, latency, responseLen int64
	for _, record := range r.cache.Values() {
		stats.TotalTranscripts++
		stats.ByStatus[record.Status]++
		if record.Status == persistence.TranscriptStatusPending {
			continue
		}
		finished++
		latency += record.LatencyMs
		stats.TotalFragments += int64(record.FragmentCount)
		responseLen += int64(utf8.RuneCountInString(record.Response))
	}

	if finished > 0 {
		stats.AverageLatencyMs = float64(latency) / float64(finished)
		stats.AverageFragments = float64(stats.TotalFragments) / float64(finished)
		stats.AverageResponseLen = float64(responseLen) / float64(finished)
	}
	return stats, nil
}

// Len returns the number of stored transcripts
func (r *MemoryTranscriptRepository) Len() int {
	return r.cache.Len()
}

// find returns matching records newest first
func (r *MemoryTranscriptRepository) find(limit int, match func(*persistence.TranscriptRecord) bool) []*persistence.TranscriptRecord {
	values := r.cache.Values()
	records := make([]*persistence.TranscriptRecord, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		if match(&values[i]) {
			records = append(records, &values[i])
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
