package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"peerwave-chat/domain/chat"
	"peerwave-chat/infrastructure/credentials"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestButtonLabel(t *testing.T) {
	tests := []struct {
		hasResponse bool
		isLoading   bool
		expected    string
	}{
		{hasResponse: false, isLoading: false, expected: "Send Message"},
		{hasResponse: false, isLoading: true, expected: "Getting Response..."},
		{hasResponse: true, isLoading: true, expected: "Try Again"},
		{hasResponse: true, isLoading: false, expected: "Try Again"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ButtonLabel(tt.hasResponse, tt.isLoading))
	}
}

func TestNewSession_Defaults(t *testing.T) {
	s := NewSession(&MockStreamer{}, nil)

	view := s.View()
	assert.Equal(t, DefaultPrompt, view.Prompt)
	assert.Equal(t, "Hello! Can you tell me a fun fact about cats?", view.Prompt)
	assert.Empty(t, view.Response)
	assert.Empty(t, view.Error)
	assert.False(t, view.IsLoading)
	assert.True(t, view.CanSend)
	assert.Equal(t, LabelSend, view.ButtonLabel)

	assert.Equal(t, "Why?", NewSession(&MockStreamer{}, nil, WithPrompt("Why?")).View().Prompt)
	assert.Equal(t, DefaultPrompt, NewSession(&MockStreamer{}, nil, WithPrompt("")).View().Prompt)
}

func TestSession_Send(t *testing.T) {
	streamer := &MockStreamer{}
	streamer.On("StreamChat", mock.Anything, DefaultPrompt, mock.Anything).Run(emitting("Cats ", "sleep ", "a lot.")).Return(nil)

	var (
		views     []View
		fragments []string
	)
	s := NewSession(streamer, nil,
		WithUpdateHook(func(v View) { views = append(views, v) }),
		WithFragmentHook(func(f chat.Fragment) { fragments = append(fragments, f) }),
	)

	require.NoError(t, s.Send(context.Background()))

	final := s.View()
	assert.Equal(t, "Cats sleep a lot.", final.Response)
	assert.False(t, final.IsLoading)
	assert.Equal(t, LabelTryAgain, final.ButtonLabel)
	assert.Equal(t, []string{"Cats ", "sleep ", "a lot."}, fragments)

	// start, three fragments, finish
	require.Len(t, views, 5)
	assert.True(t, views[0].IsLoading)
	assert.Equal(t, LabelLoading, views[0].ButtonLabel)
	assert.False(t, views[0].CanSend)
	assert.Equal(t, "Cats ", views[1].Response)
	assert.Equal(t, LabelTryAgain, views[1].ButtonLabel)
	assert.Equal(t, "Cats sleep ", views[2].Response)
	assert.False(t, views[4].IsLoading)
}

func TestSession_SendClearsPreviousState(t *testing.T) {
	streamer := &MockStreamer{}
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Run(emitting("first")).Return(errors.New("boom")).Once()
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Run(emitting("second")).Return(nil).Once()

	var views []View
	s := NewSession(streamer, nil, WithUpdateHook(func(v View) { views = append(views, v) }))

	assert.Error(t, s.Send(context.Background()))
	assert.Equal(t, "first", s.View().Response)
	assert.Equal(t, "boom", s.View().Error)

	views = nil
	require.NoError(t, s.Send(context.Background()))
	require.NotEmpty(t, views)
	assert.Empty(t, views[0].Response)
	assert.Empty(t, views[0].Error)
	assert.Equal(t, "second", s.View().Response)
	assert.Empty(t, s.View().Error)
}

func TestSession_SendKeepsPartialOutputOnError(t *testing.T) {
	streamer := &MockStreamer{}
	failure := &chat.RequestFailedError{StatusCode: 500, Body: "server error"}
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Run(emitting("Cats ")).Return(failure)

	s := NewSession(streamer, nil)
	err := s.Send(context.Background())

	assert.Same(t, failure, err)
	view := s.View()
	assert.Equal(t, "Cats ", view.Response)
	assert.Equal(t, "failed to get chat stream: 500 server error", view.Error)
	assert.False(t, view.IsLoading)
}

func TestSession_SendRedirect(t *testing.T) {
	streamer := &MockStreamer{}
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Return(&chat.AuthRedirectError{StatusCode: 402, Location: "/auth"})

	s := NewSession(streamer, nil)
	err := s.Send(context.Background())

	assert.ErrorIs(t, err, chat.ErrRedirecting)
	assert.Equal(t, "redirecting to peerwave auth", s.View().Error)
	assert.Equal(t, LabelSend, s.View().ButtonLabel)
}

type emptyError struct{}

func (emptyError) Error() string { return "" }

func TestSession_SendFallbackErrorMessage(t *testing.T) {
	streamer := &MockStreamer{}
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Return(emptyError{})

	s := NewSession(streamer, nil)
	assert.Error(t, s.Send(context.Background()))
	assert.Equal(t, "An error occurred", s.View().Error)
}

func TestSession_SendWhileInFlight(t *testing.T) {
	streamer := &MockStreamer{}
	entered := make(chan struct{})
	release := make(chan struct{})
	streamer.On("StreamChat", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()

	s := NewSession(streamer, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Send(context.Background()))
	}()

	<-entered
	assert.True(t, s.View().IsLoading)
	assert.ErrorIs(t, s.Send(context.Background()), ErrInFlight)

	close(release)
	wg.Wait()
	assert.False(t, s.View().IsLoading)
	streamer.AssertNumberOfCalls(t, "StreamChat", 1)
}

func TestSession_AutoSend(t *testing.T) {
	t.Run("without token", func(t *testing.T) {
		streamer := &MockStreamer{}
		s := NewSession(streamer, credentials.NewStaticToken(""))

		sent, err := s.AutoSend(context.Background())
		assert.NoError(t, err)
		assert.False(t, sent)
		streamer.AssertNotCalled(t, "StreamChat", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("without provider", func(t *testing.T) {
		sent, err := NewSession(&MockStreamer{}, nil).AutoSend(context.Background())
		assert.NoError(t, err)
		assert.False(t, sent)
	})

	t.Run("with token", func(t *testing.T) {
		streamer := &MockStreamer{}
		streamer.On("StreamChat", mock.Anything, DefaultPrompt, mock.Anything).Run(emitting("Meow")).Return(nil)
		s := NewSession(streamer, credentials.NewStaticToken("abc"))

		sent, err := s.AutoSend(context.Background())
		assert.NoError(t, err)
		assert.True(t, sent)
		assert.Equal(t, "Meow", s.View().Response)
	})
}
