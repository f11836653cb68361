package peerwave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"peerwave-chat/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		MaxRequests:      2,
	}
}

// CircuitBreakerProvider wraps a fragment stream provider with one circuit
// breaker per model. It never retries: once a breaker is open, calls fail
// fast with chat.ErrCircuitOpen until the timeout elapses.
type CircuitBreakerProvider struct {
	stream   chat.StreamProviderPort[chat.Fragment]
	model    string
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mutex    sync.RWMutex
}

// NewCircuitBreakerProvider wraps stream. model is used for StreamChat.
func NewCircuitBreakerProvider(stream chat.StreamProviderPort[chat.Fragment], model string, config CircuitBreakerConfig) *CircuitBreakerProvider {
	if model == "" {
		model = chat.DefaultModel
	}
	return &CircuitBreakerProvider{
		stream:   stream,
		model:    model,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *CircuitBreakerProvider) StreamChat(ctx context.Context, prompt string, onFragment chat.StreamHandler[chat.Fragment]) error {
	return c.Stream(ctx, chat.NewUserRequest(c.model, prompt), onFragment)
}

// Model returns the model identifier used by StreamChat.
func (c *CircuitBreakerProvider) Model() string {
	return c.model
}

func (c *CircuitBreakerProvider) Stream(ctx context.Context, req *chat.Request, onFragment chat.StreamHandler[chat.Fragment]) error {
	if !c.config.Enabled {
		return c.stream.Stream(ctx, req, onFragment)
	}

	model := c.extractModel(req)
	breaker := c.getOrCreateBreaker(model)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, c.stream.Stream(ctx, req, onFragment)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logrus.WithFields(logrus.Fields{
			"model": model,
			"state": breaker.State().String(),
		}).Warn("Circuit breaker is open, failing fast")
		return fmt.Errorf("model %s: %w", model, chat.ErrCircuitOpen)
	}
	return err
}

// GetCircuitStates returns the current state of all circuit breakers for monitoring
func (c *CircuitBreakerProvider) GetCircuitStates() map[string]gobreaker.State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[string]gobreaker.State, len(c.breakers))
	for model, breaker := range c.breakers {
		states[model] = breaker.State()
	}
	return states
}

func (c *CircuitBreakerProvider) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker {
	c.mutex.RLock()
	if breaker, exists := c.breakers[model]; exists {
		c.mutex.RUnlock()
		return breaker
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Double-check: another goroutine might have created it while we waited
	if breaker, exists := c.breakers[model]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("peerwave-%s", model),
		MaxRequests: c.config.MaxRequests,
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.config.FailureThreshold
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"model":      model,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Info("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewCircuitBreaker(settings)
	c.breakers[model] = breaker

	logrus.WithField("model", model).Debug("Created circuit breaker")
	return breaker
}

func (c *CircuitBreakerProvider) extractModel(req *chat.Request) string {
	if req.Model == "" {
		return "default"
	}
	model := strings.ToLower(strings.ReplaceAll(req.Model, "/", "-"))
	return strings.ReplaceAll(model, ".", "-")
}

// isBreakerSuccess counts only transport failures and 5xx responses against
// the breaker. Redirects, 4xx responses, caller cancellations and errors
// returned by the fragment sink say nothing about the health of the endpoint.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, chat.ErrRedirecting) {
		return true
	}
	var failed *chat.RequestFailedError
	if errors.As(err, &failed) {
		return failed.StatusCode < 500
	}
	var transport *chat.TransportError
	return !errors.As(err, &transport)
}
