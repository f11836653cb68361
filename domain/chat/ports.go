package chat

import "context"

// StreamHandler is a generic callback for streaming chunks. Returning an
// error stops the stream.
type StreamHandler[T any] func(chunk T) error

// StreamProviderPort supports streaming
type StreamProviderPort[T any] interface {
	Stream(ctx context.Context, req *Request, onChunk StreamHandler[T]) error
}

// FragmentStreamer sends a single prompt and forwards every fragment of the
// reply to onFragment in arrival order.
type FragmentStreamer interface {
	StreamChat(ctx context.Context, prompt string, onFragment StreamHandler[Fragment]) error
}

// CredentialProvider yields the auth token to attach to outbound requests.
// The second return value is false when no token is available.
type CredentialProvider interface {
	Token(ctx context.Context) (string, bool)
}

// PageLocator reports the path and query of the page the user is on. The
// server uses it to build the post-authentication redirect target.
type PageLocator interface {
	Location(ctx context.Context) string
}

// Navigator performs a navigation to location when the server asks the
// client to authenticate elsewhere.
type Navigator interface {
	RedirectTo(ctx context.Context, location string) error
}
