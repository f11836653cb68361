package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"peerwave-chat/domain/chat"
	"peerwave-chat/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxPromptLength is the longest prompt accepted, in characters.
const MaxPromptLength = 50000

var (
	ErrEmptyPrompt   = errors.New("prompt cannot be empty")
	ErrPromptTooLong = errors.New("prompt too long")
)

// Service orchestrates the chat stream use case: validation, transcript
// tracking and forwarding of fragments.
type Service struct {
	streamer chat.FragmentStreamer
	model    string
	tracker  persistence.TranscriptTracker
}

func NewService(streamer chat.FragmentStreamer, model string, tracker persistence.TranscriptTracker) *Service {
	if model == "" {
		model = chat.DefaultModel
	}
	return &Service{
		streamer: streamer,
		model:    model,
		tracker:  tracker,
	}
}

// NewServiceWithoutTracking creates a service that records nothing
func NewServiceWithoutTracking(streamer chat.FragmentStreamer, model string) *Service {
	return NewService(streamer, model, nil)
}

type transcriptIDKey struct{}

// WithTranscriptID makes StreamChat record the transcript under id instead
// of a fresh one.
func WithTranscriptID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, transcriptIDKey{}, id)
}

// TranscriptIDFrom returns the id set by WithTranscriptID.
func TranscriptIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(transcriptIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func transcriptID(ctx context.Context) uuid.UUID {
	if id, ok := TranscriptIDFrom(ctx); ok {
		return id
	}
	return uuid.New()
}

// ValidatePrompt rejects prompts that are blank or longer than MaxPromptLength.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if n := utf8.RuneCountInString(prompt); n > MaxPromptLength {
		return fmt.Errorf("%w: %d chars (max %d)", ErrPromptTooLong, n, MaxPromptLength)
	}
	return nil
}

// StreamChat validates prompt and streams the reply to onFragment. Errors
// from the streamer are returned unchanged.
func (s *Service) StreamChat(ctx context.Context, prompt string, onFragment chat.StreamHandler[chat.Fragment]) error {
	if err := ValidatePrompt(prompt); err != nil {
		return err
	}

	id := transcriptID(ctx)
	logger := logrus.WithFields(logrus.Fields{
		"transcript_id": id,
		"model":         s.model,
	})

	if s.tracker != nil {
		if err := s.tracker.StartTracking(ctx, id, prompt, s.model); err != nil {
			logger.WithError(err).Warn("Failed to start transcript tracking")
		}
	}

	startTime := time.Now()
	var (
		response  strings.Builder
		fragments int
	)

	err := s.streamer.StreamChat(ctx, prompt, func(fragment chat.Fragment) error {
		fragments++
		if s.tracker != nil {
			response.WriteString(fragment)
		}
		return onFragment(fragment)
	})

	outcome := persistence.TranscriptOutcome{
		Response:      response.String(),
		FragmentCount: fragments,
		Latency:       time.Since(startTime),
	}

	if err != nil {
		status := persistence.TranscriptStatusFailed
		if errors.Is(err, chat.ErrRedirecting) {
			status = persistence.TranscriptStatusRedirected
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"status":    status,
			"fragments": fragments,
		}).Warn("Chat stream ended with error")

		if s.tracker != nil {
			outcome.Error = err.Error()
			if trackErr := s.tracker.FailTracking(ctx, id, status, outcome); trackErr != nil {
				logger.WithError(trackErr).Warn("Failed to record transcript failure")
			}
		}
		return err
	}

	logger.WithFields(logrus.Fields{
		"fragments":  fragments,
		"latency_ms": outcome.Latency.Milliseconds(),
	}).Info("Chat stream completed")

	if s.tracker != nil {
		if trackErr := s.tracker.CompleteTracking(ctx, id, outcome); trackErr != nil {
			logger.WithError(trackErr).Warn("Failed to complete transcript tracking")
		}
	}
	return nil
}
