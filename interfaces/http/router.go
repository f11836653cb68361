package httpiface

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	appchat "peerwave-chat/application/chat"
	domain "peerwave-chat/domain/chat"
	"peerwave-chat/domain/persistence"
	"peerwave-chat/infrastructure/credentials"
	"peerwave-chat/infrastructure/page"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	defaultTranscriptLimit = 20
	maxTranscriptLimit     = 500
)

type ChatService interface {
	StreamChat(ctx context.Context, prompt string, onFragment domain.StreamHandler[domain.Fragment]) error
}

// CircuitStateReporter exposes breaker states for the health endpoint
type CircuitStateReporter interface {
	GetCircuitStates() map[string]gobreaker.State
}

// Router relays chat streams to the upstream endpoint and serves stored
// transcripts.
type Router struct {
	service       ChatService
	corsOrigins   []string
	defaultPrompt string
	transcripts   persistence.TranscriptRepository
	dbManager     persistence.DatabaseManager
	processor     persistence.EventProcessor
	circuits      CircuitStateReporter
}

func NewRouter(service ChatService, corsOrigins []string) *Router {
	return &Router{
		service:       service,
		corsOrigins:   corsOrigins,
		defaultPrompt: appchat.DefaultPrompt,
	}
}

// NewRouterWithPersistence creates a router that also serves transcripts.
// dbManager may be nil when transcripts are kept in memory.
func NewRouterWithPersistence(
	service ChatService,
	corsOrigins []string,
	transcripts persistence.TranscriptRepository,
	dbManager persistence.DatabaseManager,
	processor persistence.EventProcessor,
) *Router {
	r := NewRouter(service, corsOrigins)
	r.transcripts = transcripts
	r.dbManager = dbManager
	r.processor = processor
	return r
}

// WithDefaultPrompt sets the prompt used when a request body has none
func (r *Router) WithDefaultPrompt(prompt string) *Router {
	if prompt != "" {
		r.defaultPrompt = prompt
	}
	return r
}

// WithCircuitBreaker reports breaker states on /health
func (r *Router) WithCircuitBreaker(reporter CircuitStateReporter) *Router {
	r.circuits = reporter
	return r
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints - no request ID for monitoring tools
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	api := router.Group("/")
	api.Use(r.requestIDMiddleware())
	api.POST("/chat/stream", r.chatStream)

	if r.transcripts != nil {
		api.GET("/transcripts", r.listTranscripts)
		api.GET("/transcripts/stats", r.transcriptStats)
		api.GET("/transcripts/:id", r.getTranscript)
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetString("request_id_string"),
		}).Debug("HTTP request")
	}
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Redirect, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Location, X-Request-ID, X-Transcript-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware echoes a client X-Request-ID when it is a UUID and
// generates one otherwise. Clients may repeat an id, so it only tags logs.
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientRequestID := c.GetHeader("X-Request-ID")

		requestUUID, err := uuid.Parse(clientRequestID)
		if err != nil {
			requestUUID = uuid.New()
			if clientRequestID != "" {
				c.Header("X-Client-Request-ID", clientRequestID)
			}
		}
		requestID := requestUUID.String()

		c.Header("X-Request-ID", requestID)
		c.Set("request_id_string", requestID)

		c.Next()
	}
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api": "ok",
	}
	overallOK := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			overallOK = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			overallOK = false
		}
	}

	if r.circuits != nil {
		states := gin.H{}
		for model, state := range r.circuits.GetCircuitStates() {
			states[model] = state.String()
			if state == gobreaker.StateOpen {
				overallOK = false
			}
		}
		checks["circuit_breakers"] = states
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "peerwave-chat",
		"version":   "1.0.0",
		"checks":    checks,
	})
}

// liveness: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			ready = false
		}
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// StreamRequest is the body of POST /chat/stream. An empty body or prompt
// asks the default question.
type StreamRequest struct {
	Prompt string `json:"prompt"`
}

// chatStream relays one chat stream. The inbound Authorization and Redirect
// headers are forwarded upstream for this request only. Fragments are
// re-emitted as NDJSON lines and flushed one by one.
func (r *Router) chatStream(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		logrus.WithError(err).Warn("Failed to bind stream request")
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid request format"})
		return
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = r.defaultPrompt
	}

	ctx := c.Request.Context()
	if token := c.GetHeader("Authorization"); token != "" {
		ctx = credentials.WithToken(ctx, token)
	}
	if location := c.GetHeader("Redirect"); location != "" {
		ctx = page.WithLocation(ctx, location)
	}
	transcriptID := uuid.New()
	ctx = appchat.WithTranscriptID(ctx, transcriptID)
	c.Header("X-Transcript-ID", transcriptID.String())

	started := false
	startStream := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "application/x-ndjson")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
	}

	err := r.service.StreamChat(ctx, prompt, func(fragment domain.Fragment) error {
		startStream()
		return writeLine(c, domain.NewFragmentLine(fragment))
	})

	requestID := c.GetString("request_id_string")
	if err == nil {
		startStream()
		c.Writer.Flush()
		return
	}

	if started {
		logrus.WithError(err).WithField("request_id", requestID).Warn("Chat stream failed after output started")
		if writeErr := writeLine(c, domain.StreamLine{Error: err.Error()}); writeErr != nil {
			logrus.WithError(writeErr).WithField("request_id", requestID).Debug("Failed to write stream error line")
		}
		return
	}

	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		logrus.WithField("request_id", requestID).Debug("Client went away before the stream started")
		return
	}

	code := statusForError(err)
	if redirect, ok := domain.IsRedirect(err); ok {
		c.Header("Location", redirect.Location)
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID,
		"status":     code,
	}).Warn("Chat stream failed")
	c.JSON(code, domain.ErrorResponse{Error: err.Error()})
}

func writeLine(c *gin.Context, line domain.StreamLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := c.Writer.Write(data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// statusForError maps a failure that happened before any output to the
// status returned to the caller.
func statusForError(err error) int {
	if redirect, ok := domain.IsRedirect(err); ok {
		return redirect.StatusCode
	}
	var failed *domain.RequestFailedError
	var transport *domain.TransportError
	switch {
	case errors.Is(err, appchat.ErrEmptyPrompt), errors.Is(err, appchat.ErrPromptTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &failed), errors.As(err, &transport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) listTranscripts(c *gin.Context) {
	limit := defaultTranscriptLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > maxTranscriptLimit {
			c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid limit parameter"})
			return
		}
		limit = parsed
	}

	var (
		records []*persistence.TranscriptRecord
		err     error
	)
	if statusStr := c.Query("status"); statusStr != "" {
		status := persistence.TranscriptStatus(statusStr)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid status parameter"})
			return
		}
		records, err = r.transcripts.FindByStatus(c.Request.Context(), status, limit)
	} else {
		records, err = r.transcripts.FindRecent(c.Request.Context(), limit)
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to list transcripts")
		c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "Failed to retrieve transcripts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transcripts": records,
		"count":       len(records),
	})
}

func (r *Router) transcriptStats(c *gin.Context) {
	stats, err := r.transcripts.GetStats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get transcript stats")
		c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "Failed to retrieve transcript stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (r *Router) getTranscript(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid transcript ID format"})
		return
	}

	record, err := r.transcripts.FindByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrTranscriptNotFound) {
			c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "Transcript not found"})
			return
		}
		logrus.WithError(err).Errorf("Failed to get transcript %s", id)
		c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "Failed to retrieve transcript"})
		return
	}

	c.JSON(http.StatusOK, record)
}
