package chat

import (
	"context"
	"errors"
	"testing"

	"peerwave-chat/domain/chat"
	"peerwave-chat/domain/persistence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTranscriptTracker is a mock implementation of persistence.TranscriptTracker
type MockTranscriptTracker struct {
	mock.Mock
}

func (m *MockTranscriptTracker) StartTracking(ctx context.Context, id uuid.UUID, prompt, model string) error {
	args := m.Called(ctx, id, prompt, model)
	return args.Error(0)
}

func (m *MockTranscriptTracker) CompleteTracking(ctx context.Context, id uuid.UUID, outcome persistence.TranscriptOutcome) error {
	args := m.Called(ctx, id, outcome)
	return args.Error(0)
}

func (m *MockTranscriptTracker) FailTracking(ctx context.Context, id uuid.UUID, status persistence.TranscriptStatus, outcome persistence.TranscriptOutcome) error {
	args := m.Called(ctx, id, status, outcome)
	return args.Error(0)
}

func TestService_StreamChatWithTracking_Success(t *testing.T) {
	streamer := &MockStreamer{}
	tracker := &MockTranscriptTracker{}
	service := NewService(streamer, "fastest", tracker)

	id := uuid.New()
	ctx := WithTranscriptID(context.Background(), id)

	streamer.On("StreamChat", mock.Anything, "Hello", mock.Anything).Run(emitting("Cats ", "purr.")).Return(nil)
	tracker.On("StartTracking", mock.Anything, id, "Hello", "fastest").Return(nil)
	tracker.On("CompleteTracking", mock.Anything, id, mock.MatchedBy(func(o persistence.TranscriptOutcome) bool {
		return o.Response == "Cats purr." && o.FragmentCount == 2 && o.Error == "" && o.Latency >= 0
	})).Return(nil)

	err := service.StreamChat(ctx, "Hello", func(chat.Fragment) error { return nil })

	require.NoError(t, err)
	streamer.AssertExpectations(t)
	tracker.AssertExpectations(t)
	tracker.AssertNotCalled(t, "FailTracking", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_StreamChatWithTracking_Failure(t *testing.T) {
	streamer := &MockStreamer{}
	tracker := &MockTranscriptTracker{}
	service := NewService(streamer, "fastest", tracker)

	upstream := &chat.TransportError{Err: errors.New("connection reset")}
	streamer.On("StreamChat", mock.Anything, "Hello", mock.Anything).Run(emitting("partial")).Return(upstream)
	tracker.On("StartTracking", mock.Anything, mock.AnythingOfType("uuid.UUID"), "Hello", "fastest").Return(nil)
	tracker.On("FailTracking", mock.Anything, mock.AnythingOfType("uuid.UUID"), persistence.TranscriptStatusFailed,
		mock.MatchedBy(func(o persistence.TranscriptOutcome) bool {
			return o.Response == "partial" && o.FragmentCount == 1 && o.Error == upstream.Error()
		})).Return(nil)

	err := service.StreamChat(context.Background(), "Hello", func(chat.Fragment) error { return nil })

	assert.Same(t, upstream, err)
	tracker.AssertExpectations(t)
}

func TestService_StreamChatWithTracking_Redirect(t *testing.T) {
	streamer := &MockStreamer{}
	tracker := &MockTranscriptTracker{}
	service := NewService(streamer, "fastest", tracker)

	redirect := &chat.AuthRedirectError{StatusCode: 402, Location: "/auth"}
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Return(redirect)
	tracker.On("StartTracking", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	tracker.On("FailTracking", mock.Anything, mock.Anything, persistence.TranscriptStatusRedirected, mock.Anything).Return(nil)

	err := service.StreamChat(context.Background(), "Hello", func(chat.Fragment) error { return nil })

	assert.ErrorIs(t, err, chat.ErrRedirecting)
	tracker.AssertExpectations(t)
}

func TestService_StreamChatWithTracking_TrackerErrorsIgnored(t *testing.T) {
	streamer := &MockStreamer{}
	tracker := &MockTranscriptTracker{}
	service := NewService(streamer, "fastest", tracker)

	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Run(emitting("ok")).Return(nil)
	tracker.On("StartTracking", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("queue full"))
	tracker.On("CompleteTracking", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("queue full"))

	var got []string
	err := service.StreamChat(context.Background(), "Hello", func(f chat.Fragment) error {
		got = append(got, f)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"ok"}, got)
}

func TestService_StreamChatWithTracking_InvalidPromptNotTracked(t *testing.T) {
	streamer := &MockStreamer{}
	tracker := &MockTranscriptTracker{}
	service := NewService(streamer, "fastest", tracker)

	err := service.StreamChat(context.Background(), "", func(chat.Fragment) error { return nil })

	assert.ErrorIs(t, err, ErrEmptyPrompt)
	tracker.AssertNotCalled(t, "StartTracking", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
