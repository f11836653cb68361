package peerwave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"peerwave-chat/domain/chat"
	"peerwave-chat/infrastructure/ndjson"
	"peerwave-chat/infrastructure/page"

	"github.com/sirupsen/logrus"
)

const DefaultEndpoint = "https://api.peerwave.ai/api/chat/stream"

// Config holds the client settings. Timeout bounds the wait for response
// headers and zero waits forever. The body itself is never bounded here: a
// reply streams until the upstream closes it or the caller's context ends.
type Config struct {
	Endpoint          string        `yaml:"endpoint" json:"endpoint"`
	Model             string        `yaml:"model" json:"model"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	ChunkSize         int           `yaml:"chunk_size" json:"chunk_size"`
	FlushTrailingLine bool          `yaml:"flush_trailing_line" json:"flush_trailing_line"`
}

// DefaultConfig returns the settings used against the public endpoint
func DefaultConfig() Config {
	return Config{
		Endpoint:  DefaultEndpoint,
		Model:     chat.DefaultModel,
		Timeout:   5 * time.Minute,
		ChunkSize: ndjson.DefaultChunkSize,
	}
}

// Client sends one chat prompt per call and streams the NDJSON reply back
// fragment by fragment. Calls share no state besides the HTTP connection
// pool; each call owns its own decoder.
type Client struct {
	endpoint    string
	model       string
	httpClient  *http.Client
	chunkSize   int
	decoderOpts ndjson.Options
	credentials chat.CredentialProvider
	page        chat.PageLocator
	navigator   chat.Navigator
}

// NewClient wires the collaborators. A nil credentials provider means no
// Authorization header is ever sent; a nil locator reports "/"; a nil
// navigator only logs redirect targets.
func NewClient(cfg Config, credentials chat.CredentialProvider, locator chat.PageLocator, navigator chat.Navigator) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = chat.DefaultModel
	}
	if locator == nil {
		locator = page.StaticLocation("/")
	}
	if navigator == nil {
		navigator = &page.LogNavigator{}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		httpClient: &http.Client{
			Transport: transport,
		},
		chunkSize:   cfg.ChunkSize,
		decoderOpts: ndjson.Options{FlushTrailingLine: cfg.FlushTrailingLine},
		credentials: credentials,
		page:        locator,
		navigator:   navigator,
	}
}

// StreamChat sends prompt as a single user message and forwards every
// fragment to onFragment synchronously, in arrival order.
func (c *Client) StreamChat(ctx context.Context, prompt string, onFragment chat.StreamHandler[chat.Fragment]) error {
	return c.Stream(ctx, chat.NewUserRequest(c.model, prompt), onFragment)
}

// Model returns the model identifier sent with every request.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) Stream(ctx context.Context, req *chat.Request, onFragment chat.StreamHandler[chat.Fragment]) error {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Redirect", c.page.Location(ctx))
	hasToken := false
	if c.credentials != nil {
		if token, ok := c.credentials.Token(ctx); ok {
			hreq.Header.Set("Authorization", token)
			hasToken = true
		}
	}

	logrus.WithFields(logrus.Fields{
		"endpoint":  c.endpoint,
		"model":     req.Model,
		"has_token": hasToken,
	}).Debug("Sending chat stream request")

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return &chat.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleFailure(ctx, resp)
	}

	if resp.Body == http.NoBody {
		logrus.WithField("status", resp.StatusCode).Debug("Chat stream response has no body")
		return nil
	}

	src := ndjson.NewReaderSource(resp.Body, c.chunkSize)
	count := 0
	for fragment, err := range ndjson.Decode(ctx, src, c.decoderOpts) {
		if err != nil {
			logrus.WithError(err).WithField("fragments", count).Warn("Chat stream interrupted")
			return &chat.TransportError{Err: fmt.Errorf("stream read: %w", err)}
		}
		count++
		if err := onFragment(fragment); err != nil {
			return err
		}
	}

	logrus.WithField("fragments", count).Debug("Chat stream completed")
	return nil
}

func (c *Client) handleFailure(ctx context.Context, resp *http.Response) error {
	if location := resp.Header.Get("Location"); location != "" {
		logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "location": location}).Info("Chat stream requires authentication")
		if err := c.navigator.RedirectTo(ctx, location); err != nil {
			logrus.WithError(err).WithField("location", location).Warn("Navigation to auth location failed")
		}
		return &chat.AuthRedirectError{StatusCode: resp.StatusCode, Location: location}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &chat.TransportError{Err: fmt.Errorf("read error body: %w", err)}
	}
	logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body)}).Error("Chat stream API error")
	return &chat.RequestFailedError{StatusCode: resp.StatusCode, Body: string(body)}
}
