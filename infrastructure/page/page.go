// Package page provides the page-location and navigation collaborators of
// the chat client: where the user currently is, and how to send them
// somewhere else when the server asks for re-authentication.
package page

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// StaticLocation always reports the same path and query.
type StaticLocation string

func (l StaticLocation) Location(ctx context.Context) string {
	if l == "" {
		return "/"
	}
	return string(l)
}

// LocationFromURL returns the path+query of pageURL, ignoring scheme, host
// and fragment.
func LocationFromURL(pageURL string) (StaticLocation, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	loc := u.EscapedPath()
	if loc == "" {
		loc = "/"
	}
	if u.RawQuery != "" {
		loc += "?" + u.RawQuery
	}
	return StaticLocation(loc), nil
}

type contextKey struct{}

// WithLocation returns a context carrying a per-request page location.
func WithLocation(ctx context.Context, location string) context.Context {
	return context.WithValue(ctx, contextKey{}, location)
}

// ContextLocation reads the location placed on the context by WithLocation
// and falls back to Default.
type ContextLocation struct {
	Default StaticLocation
}

func (l ContextLocation) Location(ctx context.Context) string {
	if loc, ok := ctx.Value(contextKey{}).(string); ok && loc != "" {
		return loc
	}
	return l.Default.Location(ctx)
}

// LogNavigator reports the redirect target to the user. When Opener is set
// (e.g. "xdg-open" or "open") it is run with the location as its only
// argument. The opener outlives the call: it is not bound to ctx, since the
// caller usually returns right after a redirect.
type LogNavigator struct {
	Out    io.Writer
	Opener string
}

func (n *LogNavigator) RedirectTo(ctx context.Context, location string) error {
	logrus.WithField("location", location).Info("Authentication required, redirecting")
	if n.Out != nil {
		fmt.Fprintf(n.Out, "Authentication required. Continue at: %s\n", location)
	}
	if n.Opener == "" {
		return nil
	}
	cmd := exec.Command(n.Opener, location)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %s: %w", location, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logrus.WithError(err).WithField("opener", n.Opener).Warn("Opener exited with an error")
		}
	}()
	return nil
}

// RecordingNavigator remembers every location it was sent to.
type RecordingNavigator struct {
	mu        sync.Mutex
	locations []string
}

func (n *RecordingNavigator) RedirectTo(ctx context.Context, location string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.locations = append(n.locations, location)
	return nil
}

// Last returns the most recent location, or "" when none was recorded.
func (n *RecordingNavigator) Last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.locations) == 0 {
		return ""
	}
	return n.locations[len(n.locations)-1]
}

// Count returns how many redirects were recorded.
func (n *RecordingNavigator) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.locations)
}
