package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"peerwave-chat/domain/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStreamer is a mock implementation of chat.FragmentStreamer
type MockStreamer struct {
	mock.Mock
}

func (m *MockStreamer) StreamChat(ctx context.Context, prompt string, onFragment chat.StreamHandler[chat.Fragment]) error {
	args := m.Called(ctx, prompt, onFragment)
	return args.Error(0)
}

// emitting makes the mocked StreamChat deliver fragments before returning
func emitting(fragments ...string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		onFragment := args.Get(2).(chat.StreamHandler[chat.Fragment])
		for _, f := range fragments {
			if err := onFragment(f); err != nil {
				return
			}
		}
	}
}

func TestNewServiceWithoutTracking(t *testing.T) {
	streamer := &MockStreamer{}

	service := NewServiceWithoutTracking(streamer, "")

	assert.NotNil(t, service)
	assert.Equal(t, streamer, service.streamer)
	assert.Equal(t, chat.DefaultModel, service.model)
	assert.Nil(t, service.tracker)
}

func TestValidatePrompt(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		wantErr error
	}{
		{name: "valid", prompt: "Hello! Can you tell me a fun fact about cats?"},
		{name: "empty", prompt: "", wantErr: ErrEmptyPrompt},
		{name: "whitespace only", prompt: " \n\t ", wantErr: ErrEmptyPrompt},
		{name: "at limit", prompt: strings.Repeat("a", MaxPromptLength)},
		{name: "multibyte at limit", prompt: strings.Repeat("é", MaxPromptLength)},
		{name: "over limit", prompt: strings.Repeat("a", MaxPromptLength+1), wantErr: ErrPromptTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrompt(tt.prompt)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_StreamChat_ForwardsFragments(t *testing.T) {
	streamer := &MockStreamer{}
	service := NewServiceWithoutTracking(streamer, "fastest")

	streamer.On("StreamChat", mock.Anything, "Hello", mock.Anything).
		Run(emitting("Cats ", "have ", "whiskers.")).
		Return(nil)

	var got []string
	err := service.StreamChat(context.Background(), "Hello", func(f chat.Fragment) error {
		got = append(got, f)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Cats ", "have ", "whiskers."}, got)
	streamer.AssertExpectations(t)
}

func TestService_StreamChat_InvalidPrompt(t *testing.T) {
	streamer := &MockStreamer{}
	service := NewServiceWithoutTracking(streamer, "fastest")

	err := service.StreamChat(context.Background(), "   ", func(chat.Fragment) error { return nil })

	assert.ErrorIs(t, err, ErrEmptyPrompt)
	streamer.AssertNotCalled(t, "StreamChat", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_StreamChat_ErrorsPassThrough(t *testing.T) {
	redirect := &chat.AuthRedirectError{StatusCode: 402, Location: "/auth"}
	failed := &chat.RequestFailedError{StatusCode: 500, Body: "server error"}

	for _, upstream := range []error{redirect, failed} {
		streamer := &MockStreamer{}
		service := NewServiceWithoutTracking(streamer, "fastest")
		streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Return(upstream)

		err := service.StreamChat(context.Background(), "Hello", func(chat.Fragment) error { return nil })
		assert.Same(t, upstream, err)
	}
}

func TestService_StreamChat_SinkErrorStopsStream(t *testing.T) {
	streamer := &MockStreamer{}
	service := NewServiceWithoutTracking(streamer, "fastest")
	sinkErr := errors.New("client went away")

	var sinkResult error
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		onFragment := args.Get(2).(chat.StreamHandler[chat.Fragment])
		sinkResult = onFragment("a")
	}).Return(sinkErr)

	err := service.StreamChat(context.Background(), "Hello", func(chat.Fragment) error { return sinkErr })

	assert.ErrorIs(t, err, sinkErr)
	assert.ErrorIs(t, sinkResult, sinkErr)
}
