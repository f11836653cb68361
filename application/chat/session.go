package chat

import (
	"context"
	"errors"
	"sync"

	"peerwave-chat/domain/chat"
)

// DefaultPrompt is the question a new Session asks.
const DefaultPrompt = "Hello! Can you tell me a fun fact about cats?"

const (
	LabelSend     = "Send Message"
	LabelLoading  = "Getting Response..."
	LabelTryAgain = "Try Again"

	fallbackErrorMessage = "An error occurred"
)

// ErrInFlight is returned by Send while a previous stream is still running.
var ErrInFlight = errors.New("a chat stream is already in flight")

// ButtonLabel returns the label of the send trigger. A response on screen
// wins over the loading state.
func ButtonLabel(hasResponse, isLoading bool) string {
	if hasResponse {
		return LabelTryAgain
	}
	if isLoading {
		return LabelLoading
	}
	return LabelSend
}

// View is a snapshot of the session state.
type View struct {
	Prompt      string `json:"prompt"`
	Response    string `json:"response"`
	Error       string `json:"error,omitempty"`
	IsLoading   bool   `json:"is_loading"`
	ButtonLabel string `json:"button_label"`
	// CanSend is false while a stream is running
	CanSend bool `json:"can_send"`
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithPrompt replaces DefaultPrompt.
func WithPrompt(prompt string) SessionOption {
	return func(s *Session) {
		if prompt != "" {
			s.prompt = prompt
		}
	}
}

// WithUpdateHook registers fn to receive a snapshot after every state change.
func WithUpdateHook(fn func(View)) SessionOption {
	return func(s *Session) { s.onUpdate = fn }
}

// WithFragmentHook registers fn to receive every fragment as it arrives.
func WithFragmentHook(fn func(chat.Fragment)) SessionOption {
	return func(s *Session) { s.onFragment = fn }
}

// Session holds the state of one chat screen: a fixed question, the reply
// accumulated so far, the last error and whether a stream is running. At
// most one stream runs at a time.
type Session struct {
	streamer    chat.FragmentStreamer
	credentials chat.CredentialProvider
	onUpdate    func(View)
	onFragment  func(chat.Fragment)

	mu       sync.Mutex
	prompt   string
	response string
	lastErr  string
	loading  bool
}

func NewSession(streamer chat.FragmentStreamer, credentials chat.CredentialProvider, opts ...SessionOption) *Session {
	s := &Session{
		streamer:    streamer,
		credentials: credentials,
		prompt:      DefaultPrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send clears the previous reply and error and streams a new reply. Output
// received before a failure is kept; the failure message becomes the
// session error.
func (s *Session) Send(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return ErrInFlight
	}
	s.loading = true
	s.response = ""
	s.lastErr = ""
	prompt := s.prompt
	s.mu.Unlock()
	s.notify()

	err := s.streamer.StreamChat(ctx, prompt, func(fragment chat.Fragment) error {
		s.mu.Lock()
		s.response += fragment
		s.mu.Unlock()
		if s.onFragment != nil {
			s.onFragment(fragment)
		}
		s.notify()
		return nil
	})

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.lastErr = err.Error()
		if s.lastErr == "" {
			s.lastErr = fallbackErrorMessage
		}
	}
	s.mu.Unlock()
	s.notify()

	return err
}

// AutoSend sends only when a token is already available, i.e. the user just
// came back authenticated. It reports whether a send happened.
func (s *Session) AutoSend(ctx context.Context) (bool, error) {
	if s.credentials == nil {
		return false, nil
	}
	if _, ok := s.credentials.Token(ctx); !ok {
		return false, nil
	}
	return true, s.Send(ctx)
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	return View{
		Prompt:      s.prompt,
		Response:    s.response,
		Error:       s.lastErr,
		IsLoading:   s.loading,
		ButtonLabel: ButtonLabel(s.response != "", s.loading),
		CanSend:     !s.loading,
	}
}

func (s *Session) notify() {
	if s.onUpdate == nil {
		return
	}
	s.onUpdate(s.View())
}
