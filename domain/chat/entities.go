package chat

import (
	"encoding/json"
	"strconv"
)

// Core chat entities independent of frameworks and transports

// DefaultModel is the model identifier the streaming endpoint routes to its
// fastest available backend.
const DefaultModel = "fastest"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the outbound body of a chat-stream call. It is built once per
// call and never mutated afterwards.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// NewUserRequest builds a single-message conversation for prompt.
func NewUserRequest(model, prompt string) *Request {
	if model == "" {
		model = DefaultModel
	}
	return &Request{
		Model: model,
		Messages: []Message{
			{Role: RoleUser, Content: prompt},
		},
	}
}

// Fragment is one piece of assistant text extracted from a single decoded
// response line. Fragments are concatenated in arrival order.
type Fragment = string

// StreamLine is the shape of one NDJSON line in the response body. Any other
// shape decodes to an empty Content and is skipped.
type StreamLine struct {
	Message *StreamMessage `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type StreamMessage struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content"`
}

// UnmarshalJSON accepts any truthy scalar as content: strings as they are,
// numbers by their value and true as "true". false, 0, null, objects and
// arrays leave Content empty.
func (m *StreamMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = scalarText(raw.Content)
	return nil
}

func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case c == 't':
		return "true"
	case c == '-' || (c >= '0' && c <= '9'):
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || f == 0 {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// Content returns the text of the line, or "" when the message is absent.
func (l StreamLine) Content() string {
	if l.Message == nil {
		return ""
	}
	return l.Message.Content
}

// NewFragmentLine wraps a fragment in the wire shape used by the endpoint.
func NewFragmentLine(fragment Fragment) StreamLine {
	return StreamLine{Message: &StreamMessage{Role: RoleAssistant, Content: fragment}}
}

type ErrorResponse struct {
	Error string `json:"error"`
}
