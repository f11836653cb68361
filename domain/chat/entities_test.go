package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserRequest_WireShape(t *testing.T) {
	req := NewUserRequest("fastest", "Hello! Can you tell me a fun fact about cats?")

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"fastest","messages":[{"role":"user","content":"Hello! Can you tell me a fun fact about cats?"}]}`, string(data))
}

func TestNewUserRequest_DefaultModel(t *testing.T) {
	req := NewUserRequest("", "hi")
	assert.Equal(t, DefaultModel, req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
}

func TestStreamLine_Content(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "content present", raw: `{"message":{"content":"a"}}`, expected: "a"},
		{name: "message absent", raw: `{"done":true}`, expected: ""},
		{name: "content absent", raw: `{"message":{"role":"assistant"}}`, expected: ""},
		{name: "null", raw: `null`, expected: ""},
		{name: "number content", raw: `{"message":{"content":5}}`, expected: "5"},
		{name: "fractional content", raw: `{"message":{"content":-2.50}}`, expected: "-2.5"},
		{name: "true content", raw: `{"message":{"content":true}}`, expected: "true"},
		{name: "false content", raw: `{"message":{"content":false}}`, expected: ""},
		{name: "zero content", raw: `{"message":{"content":0}}`, expected: ""},
		{name: "null content", raw: `{"message":{"content":null}}`, expected: ""},
		{name: "object content", raw: `{"message":{"content":{"text":"a"}}}`, expected: ""},
		{name: "escaped string", raw: `{"message":{"role":"assistant","content":"a\nb"}}`, expected: "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var line StreamLine
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &line))
			assert.Equal(t, tt.expected, line.Content())
		})
	}
}

func TestNewFragmentLine(t *testing.T) {
	data, err := json.Marshal(NewFragmentLine("x"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":{"role":"assistant","content":"x"}}`, string(data))
}

func TestAuthRedirectError_Is(t *testing.T) {
	var err error = &AuthRedirectError{StatusCode: 402, Location: "/auth"}
	wrapped := fmt.Errorf("stream: %w", err)

	assert.True(t, errors.Is(wrapped, ErrRedirecting))
	redirect, ok := IsRedirect(wrapped)
	require.True(t, ok)
	assert.Equal(t, "/auth", redirect.Location)
	assert.Equal(t, "redirecting to peerwave auth", err.Error())
}

func TestRequestFailedError_Message(t *testing.T) {
	err := &RequestFailedError{StatusCode: 500, Body: "server error"}
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "server error")
	assert.False(t, errors.Is(err, ErrRedirecting))
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &TransportError{Err: io.ErrUnexpectedEOF}
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	_, ok := IsRedirect(err)
	assert.False(t, ok)
}
