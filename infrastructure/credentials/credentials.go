// Package credentials provides chat.CredentialProvider implementations. The
// token is an opaque string; providers never transform or persist it.
package credentials

import (
	"context"
	"net/url"
	"strings"

	"peerwave-chat/domain/chat"
)

// StaticToken is a provider for a fixed token. An empty token means none.
type StaticToken struct {
	token string
}

func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

func (t *StaticToken) Token(ctx context.Context) (string, bool) {
	return t.token, t.token != ""
}

// FragmentToken reads the `token` parameter from the fragment of a page URL,
// e.g. https://app.example/chat#token=abc. This is where the auth flow hands
// the token back after a redirect.
type FragmentToken struct {
	token string
}

// NewFragmentToken parses pageURL once. A URL without a fragment token yields
// a provider that reports no token.
func NewFragmentToken(pageURL string) (*FragmentToken, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	return &FragmentToken{token: TokenFromFragment(u.Fragment)}, nil
}

func (t *FragmentToken) Token(ctx context.Context) (string, bool) {
	return t.token, t.token != ""
}

// TokenFromFragment extracts the `token` parameter from a URL fragment,
// with or without its leading '#'.
func TokenFromFragment(fragment string) string {
	params, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return ""
	}
	return params.Get("token")
}

type contextKey struct{}

// WithToken returns a context carrying a per-request token for ContextToken.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKey{}, token)
}

// ContextToken reads the token placed on the context by WithToken.
type ContextToken struct{}

func (ContextToken) Token(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(contextKey{}).(string)
	return token, ok && token != ""
}

// Chain returns the token of the first provider that has one.
type Chain []chat.CredentialProvider

func (c Chain) Token(ctx context.Context) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if token, ok := p.Token(ctx); ok {
			return token, true
		}
	}
	return "", false
}
