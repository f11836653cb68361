package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TranscriptRecord stores one prompt together with the streamed reply
type TranscriptRecord struct {
	ID            uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	Prompt        string           `gorm:"type:text;not null" json:"prompt"`
	Response      string           `gorm:"type:text" json:"response"`
	Model         string           `gorm:"type:varchar(255);not null;index" json:"model"`
	Status        TranscriptStatus `gorm:"type:varchar(50);not null;default:'pending';index" json:"status"`
	Error         string           `gorm:"type:text" json:"error,omitempty"`
	FragmentCount int              `gorm:"default:0" json:"fragment_count"`
	LatencyMs     int64            `gorm:"default:0" json:"latency_ms"`
	CreatedAt     time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// TranscriptStatus represents the outcome of a chat stream
type TranscriptStatus string

const (
	TranscriptStatusPending    TranscriptStatus = "pending"
	TranscriptStatusCompleted  TranscriptStatus = "completed"
	TranscriptStatusFailed     TranscriptStatus = "failed"
	TranscriptStatusRedirected TranscriptStatus = "redirected"
)

// Valid reports whether s is one of the known statuses.
func (s TranscriptStatus) Valid() bool {
	switch s {
	case TranscriptStatusPending, TranscriptStatusCompleted, TranscriptStatusFailed, TranscriptStatusRedirected:
		return true
	}
	return false
}

// Terminal reports whether no further update is expected.
func (s TranscriptStatus) Terminal() bool {
	return s != TranscriptStatusPending && s.Valid()
}

// BeforeCreate hook for TranscriptRecord
func (r *TranscriptRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = TranscriptStatusPending
	}
	return nil
}

// TableName returns the table name for TranscriptRecord
func (TranscriptRecord) TableName() string {
	return "transcripts"
}

// TranscriptStats aggregates stored transcripts
type TranscriptStats struct {
	TotalTranscripts   int64                      `json:"total_transcripts"`
	ByStatus           map[TranscriptStatus]int64 `json:"by_status"`
	AverageLatencyMs   float64                    `json:"average_latency_ms"`
	AverageFragments   float64                    `json:"average_fragments"`
	TotalFragments     int64                      `json:"total_fragments"`
	AverageResponseLen float64                    `json:"average_response_len"`
}

// PersistenceEvent represents events that can be processed asynchronously
type PersistenceEvent[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// EventType represents the type of persistence event
type EventType string

const (
	EventTypeCreateTranscript EventType = "create_transcript"
	EventTypeFinishTranscript EventType = "finish_transcript"
)

// CreateTranscriptEvent data for creating a pending transcript
type CreateTranscriptEvent struct {
	TranscriptID uuid.UUID `json:"transcript_id"`
	Prompt       string    `json:"prompt"`
	Model        string    `json:"model"`
}

// FinishTranscriptEvent data for recording the outcome of a stream
type FinishTranscriptEvent struct {
	TranscriptID  uuid.UUID        `json:"transcript_id"`
	Status        TranscriptStatus `json:"status"`
	Response      string           `json:"response"`
	Error         string           `json:"error,omitempty"`
	FragmentCount int              `json:"fragment_count"`
	LatencyMs     int64            `json:"latency_ms"`
}

// TranscriptOutcome is what a finished stream produced. Response holds the
// partial output when the stream failed part way.
type TranscriptOutcome struct {
	Response      string
	FragmentCount int
	Latency       time.Duration
	Error         string
}
