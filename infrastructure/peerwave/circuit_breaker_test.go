package peerwave

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"peerwave-chat/domain/chat"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStreamProvider is a mock implementation of the streaming provider interface
type MockStreamProvider struct {
	mock.Mock
}

func (m *MockStreamProvider) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[chat.Fragment]) error {
	args := m.Called(ctx, req, onChunk)
	return args.Error(0)
}

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

func TestNewCircuitBreakerProvider(t *testing.T) {
	mockStream := &MockStreamProvider{}
	config := DefaultCircuitBreakerConfig()

	cb := NewCircuitBreakerProvider(mockStream, "", config)

	assert.NotNil(t, cb)
	assert.Equal(t, config, cb.config)
	assert.Equal(t, chat.DefaultModel, cb.Model())
	assert.NotNil(t, cb.breakers)
}

func TestCircuitBreakerProvider_Disabled(t *testing.T) {
	mockStream := &MockStreamProvider{}
	failure := &chat.TransportError{Err: errors.New("connection refused")}
	mockStream.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(failure)

	cb := NewCircuitBreakerProvider(mockStream, "fastest", CircuitBreakerConfig{Enabled: false})

	for i := 0; i < 10; i++ {
		err := cb.StreamChat(context.Background(), "hi", func(chat.Fragment) error { return nil })
		assert.ErrorIs(t, err, failure)
	}
	mockStream.AssertNumberOfCalls(t, "Stream", 10)
	assert.Empty(t, cb.GetCircuitStates())
}

func TestCircuitBreakerProvider_ForwardsFragments(t *testing.T) {
	mockStream := &MockStreamProvider{}
	mockStream.On("Stream", mock.Anything, mock.MatchedBy(func(req *chat.Request) bool {
		return req.Model == "fastest" && req.Messages[0].Content == "hi"
	}), mock.Anything).Run(func(args mock.Arguments) {
		onChunk := args.Get(2).(chat.StreamHandler[chat.Fragment])
		_ = onChunk("a")
		_ = onChunk("b")
	}).Return(nil)

	cb := NewCircuitBreakerProvider(mockStream, "fastest", testBreakerConfig())

	var fragments []string
	err := cb.StreamChat(context.Background(), "hi", func(f chat.Fragment) error {
		fragments = append(fragments, f)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fragments)
	assert.Equal(t, gobreaker.StateClosed, cb.GetCircuitStates()["fastest"])
	mockStream.AssertExpectations(t)
}

func TestCircuitBreakerProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	mockStream := &MockStreamProvider{}
	failure := &chat.RequestFailedError{StatusCode: 503, Body: "unavailable"}
	mockStream.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(failure)

	cb := NewCircuitBreakerProvider(mockStream, "fastest", testBreakerConfig())
	noop := func(chat.Fragment) error { return nil }

	for i := 0; i < 3; i++ {
		err := cb.StreamChat(context.Background(), "hi", noop)
		assert.ErrorIs(t, err, failure)
	}

	err := cb.StreamChat(context.Background(), "hi", noop)
	assert.ErrorIs(t, err, chat.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "fastest")

	mockStream.AssertNumberOfCalls(t, "Stream", 3)
	assert.Equal(t, gobreaker.StateOpen, cb.GetCircuitStates()["fastest"])
}

func TestCircuitBreakerProvider_ClientErrorsDoNotTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "auth redirect", err: &chat.AuthRedirectError{StatusCode: 402, Location: "/auth"}},
		{name: "bad request", err: &chat.RequestFailedError{StatusCode: 400, Body: "bad"}},
		{name: "sink error", err: errors.New("sink closed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStream := &MockStreamProvider{}
			mockStream.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(tt.err)

			cb := NewCircuitBreakerProvider(mockStream, "fastest", testBreakerConfig())
			for i := 0; i < 6; i++ {
				err := cb.StreamChat(context.Background(), "hi", func(chat.Fragment) error { return nil })
				assert.ErrorIs(t, err, tt.err)
			}

			mockStream.AssertNumberOfCalls(t, "Stream", 6)
			assert.Equal(t, gobreaker.StateClosed, cb.GetCircuitStates()["fastest"])
		})
	}
}

func TestCircuitBreakerProvider_CancelledCallersDoNotTrip(t *testing.T) {
	mockStream := &MockStreamProvider{}
	cancelled := &chat.TransportError{Err: context.Canceled}
	mockStream.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(cancelled).Times(5)
	mockStream.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	cb := NewCircuitBreakerProvider(mockStream, "fastest", testBreakerConfig())
	noop := func(chat.Fragment) error { return nil }

	for i := 0; i < 5; i++ {
		err := cb.StreamChat(context.Background(), "hi", noop)
		assert.ErrorIs(t, err, context.Canceled)
	}

	require.NoError(t, cb.StreamChat(context.Background(), "hi", noop))
	mockStream.AssertNumberOfCalls(t, "Stream", 6)
	assert.Equal(t, gobreaker.StateClosed, cb.GetCircuitStates()["fastest"])
}

func TestCircuitBreakerProvider_SeparateBreakersPerModel(t *testing.T) {
	mockStream := &MockStreamProvider{}
	failure := &chat.TransportError{Err: errors.New("reset")}
	mockStream.On("Stream", mock.Anything, mock.MatchedBy(func(req *chat.Request) bool {
		return req.Model == "openai/gpt-4.1"
	}), mock.Anything).Return(failure)
	mockStream.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	cb := NewCircuitBreakerProvider(mockStream, "fastest", testBreakerConfig())
	noop := func(chat.Fragment) error { return nil }

	for i := 0; i < 4; i++ {
		_ = cb.Stream(context.Background(), chat.NewUserRequest("openai/gpt-4.1", "hi"), noop)
	}
	require.NoError(t, cb.StreamChat(context.Background(), "hi", noop))

	states := cb.GetCircuitStates()
	assert.Equal(t, gobreaker.StateOpen, states["openai-gpt-4-1"])
	assert.Equal(t, gobreaker.StateClosed, states["fastest"])
}

func TestIsBreakerSuccess(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: true},
		{name: "redirect", err: &chat.AuthRedirectError{StatusCode: 402, Location: "/auth"}, expected: true},
		{name: "wrapped redirect", err: fmt.Errorf("send: %w", &chat.AuthRedirectError{StatusCode: 401, Location: "/login"}), expected: true},
		{name: "4xx", err: &chat.RequestFailedError{StatusCode: 429, Body: "slow down"}, expected: true},
		{name: "5xx", err: &chat.RequestFailedError{StatusCode: 500, Body: "server error"}, expected: false},
		{name: "transport", err: &chat.TransportError{Err: errors.New("eof")}, expected: false},
		{name: "caller cancelled", err: &chat.TransportError{Err: context.Canceled}, expected: true},
		{name: "cancelled mid read", err: &chat.TransportError{Err: fmt.Errorf("stream read: %w", context.Canceled)}, expected: true},
		{name: "other", err: errors.New("sink"), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isBreakerSuccess(tt.err))
		})
	}
}
