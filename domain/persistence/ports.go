package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrTranscriptNotFound is returned when no transcript has the requested id.
var ErrTranscriptNotFound = errors.New("transcript not found")

// Repository defines the generic repository interface using Go generics
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// TranscriptRepository defines operations specific to transcripts
type TranscriptRepository interface {
	Repository[TranscriptRecord]

	FindRecent(ctx context.Context, limit int) ([]*TranscriptRecord, error)
	FindByStatus(ctx context.Context, status TranscriptStatus, limit int) ([]*TranscriptRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status TranscriptStatus) error
	GetStats(ctx context.Context) (*TranscriptStats, error)
}

// EventProcessor defines the interface for processing persistence events asynchronously
type EventProcessor interface {
	// Start begins processing events from the channel
	Start(ctx context.Context) error

	// Stop gracefully shuts down the event processor
	Stop() error

	// ProcessEvent queues an event without blocking
	ProcessEvent(event any) error

	// Health returns the health status of the processor
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
	DroppedCount   int64 `json:"dropped_count"`
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	// Connect establishes database connection
	Connect(ctx context.Context, dsn string) error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Health checks database connectivity
	Health(ctx context.Context) error

	// GetTranscriptRepository returns the initialized repository
	GetTranscriptRepository() TranscriptRepository
}

// TransactionManager defines interface for database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TranscriptTracker records the lifecycle of a chat stream
type TranscriptTracker interface {
	// StartTracking records a pending transcript
	StartTracking(ctx context.Context, id uuid.UUID, prompt, model string) error

	// CompleteTracking records a stream that ended normally
	CompleteTracking(ctx context.Context, id uuid.UUID, outcome TranscriptOutcome) error

	// FailTracking records a stream that ended with an error; status is
	// either failed or redirected
	FailTracking(ctx context.Context, id uuid.UUID, status TranscriptStatus, outcome TranscriptOutcome) error
}
