package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peerwave-chat/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by ProcessEvent when the buffer has no room.
var ErrQueueFull = errors.New("event processor queue is full")

// EventProcessor implements persistence.EventProcessor. Events are applied
// by a fixed pool of workers so that recording a transcript never blocks
// the stream that produced it.
type EventProcessor struct {
	transcriptRepo persistence.TranscriptRepository
	eventChan      chan any
	workerCount    int
	bufferSize     int
	retryDelay     time.Duration

	// State management
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	sendMu         sync.RWMutex
	isRunning      atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64
	droppedCount   atomic.Int64

	// Health monitoring
	lastProcessedTime atomic.Value
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(transcriptRepo persistence.TranscriptRepository, workerCount int, bufferSize int) *EventProcessor {
	if workerCount <= 0 {
		workerCount = 5
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &EventProcessor{
		transcriptRepo: transcriptRepo,
		eventChan:      make(chan any, bufferSize),
		workerCount:    workerCount,
		bufferSize:     bufferSize,
		retryDelay:     200 * time.Millisecond,
	}
}

// Start begins processing events from the channel
func (ep *EventProcessor) Start(ctx context.Context) error {
	if ep.isRunning.Load() {
		return fmt.Errorf("event processor is already running")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.isRunning.Store(true)
	ep.lastProcessedTime.Store(time.Now())

	for i := 0; i < ep.workerCount; i++ {
		ep.wg.Add(1)
		go ep.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": ep.workerCount,
		"buffer_size":  ep.bufferSize,
	}).Info("Event processor started")

	return nil
}

// Stop drains the queued events and shuts the workers down
func (ep *EventProcessor) Stop() error {
	// No sender may be mid-send while the channel closes
	ep.sendMu.Lock()
	if !ep.isRunning.Load() {
		ep.sendMu.Unlock()
		return nil
	}

	logrus.Info("Stopping event processor...")
	ep.isRunning.Store(false)
	close(ep.eventChan)
	ep.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Event processor stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Event processor stop timed out")
	}

	ep.cancel()
	return nil
}

// ProcessEvent queues an event without blocking
func (ep *EventProcessor) ProcessEvent(event any) error {
	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()

	if !ep.isRunning.Load() {
		return fmt.Errorf("event processor is not running")
	}

	select {
	case ep.eventChan <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event processor is shutting down")
	default:
		ep.droppedCount.Add(1)
		logrus.WithField("event_type", fmt.Sprintf("%T", event)).Warn("Event processor queue is full, dropping event")
		return ErrQueueFull
	}
}

// Health returns the health status of the processor
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{
		IsRunning:      ep.isRunning.Load(),
		QueueSize:      len(ep.eventChan),
		ProcessedCount: ep.processedCount.Load(),
		ErrorCount:     ep.errorCount.Load(),
		DroppedCount:   ep.droppedCount.Load(),
	}
}

// LastProcessed returns when an event was last applied successfully
func (ep *EventProcessor) LastProcessed() time.Time {
	if t, ok := ep.lastProcessedTime.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (ep *EventProcessor) worker(workerID int) {
	defer ep.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Debug("Event processor worker started")

	for event := range ep.eventChan {
		opCtx, cancel := context.WithTimeout(ep.ctx, 10*time.Second)
		if err := ep.processEvent(opCtx, event); err != nil {
			ep.errorCount.Add(1)
			logger.WithError(err).Error("Failed to process event")
		} else {
			ep.processedCount.Add(1)
			ep.lastProcessedTime.Store(time.Now())
		}
		cancel()
	}

	logger.Debug("Event channel closed, worker stopping")
}

func (ep *EventProcessor) processEvent(ctx context.Context, event any) error {
	switch e := event.(type) {
	case persistence.PersistenceEvent[persistence.CreateTranscriptEvent]:
		return ep.handleCreateTranscript(ctx, e.Data)

	case persistence.PersistenceEvent[persistence.FinishTranscriptEvent]:
		return ep.handleFinishTranscript(ctx, e.Data)

	case persistence.CreateTranscriptEvent:
		return ep.handleCreateTranscript(ctx, e)

	case persistence.FinishTranscriptEvent:
		return ep.handleFinishTranscript(ctx, e)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

func (ep *EventProcessor) handleCreateTranscript(ctx context.Context, event persistence.CreateTranscriptEvent) error {
	record := &persistence.TranscriptRecord{
		ID:     event.TranscriptID,
		Prompt: event.Prompt,
		Model:  event.Model,
		Status: persistence.TranscriptStatusPending,
	}
	if err := ep.transcriptRepo.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create transcript: %w", err)
	}
	return nil
}

// handleFinishTranscript applies the outcome of a stream. Another worker may
// still be creating the record, so a missing transcript is retried briefly.
func (ep *EventProcessor) handleFinishTranscript(ctx context.Context, event persistence.FinishTranscriptEvent) error {
	var (
		record *persistence.TranscriptRecord
		err    error
	)

	for attempt := 0; attempt < 3; attempt++ {
		record, err = ep.transcriptRepo.FindByID(ctx, event.TranscriptID)
		if err == nil {
			break
		}
		if !errors.Is(err, persistence.ErrTranscriptNotFound) {
			return fmt.Errorf("failed to find transcript for finish: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"transcript_id": event.TranscriptID,
			"attempt":       attempt + 1,
		}).Debug("Transcript not found for finish, retrying...")

		select {
		case <-time.After(time.Duration(attempt+1) * ep.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("cannot finish non-existent transcript: %w", err)
	}

	record.Status = event.Status
	record.Response = event.Response
	record.Error = event.Error
	record.FragmentCount = event.FragmentCount
	record.LatencyMs = event.LatencyMs

	return ep.transcriptRepo.Update(ctx, record)
}

// TranscriptTracker implements persistence.TranscriptTracker using the event processor
type TranscriptTracker struct {
	processor persistence.EventProcessor
}

// NewTranscriptTracker creates a new transcript tracker
func NewTranscriptTracker(processor persistence.EventProcessor) *TranscriptTracker {
	return &TranscriptTracker{processor: processor}
}

func (tt *TranscriptTracker) StartTracking(ctx context.Context, id uuid.UUID, prompt, model string) error {
	return tt.processor.ProcessEvent(persistence.PersistenceEvent[persistence.CreateTranscriptEvent]{
		Type: persistence.EventTypeCreateTranscript,
		Data: persistence.CreateTranscriptEvent{
			TranscriptID: id,
			Prompt:       prompt,
			Model:        model,
		},
	})
}

func (tt *TranscriptTracker) CompleteTracking(ctx context.Context, id uuid.UUID, outcome persistence.TranscriptOutcome) error {
	return tt.finish(id, persistence.TranscriptStatusCompleted, outcome)
}

func (tt *TranscriptTracker) FailTracking(ctx context.Context, id uuid.UUID, status persistence.TranscriptStatus, outcome persistence.TranscriptOutcome) error {
	if status != persistence.TranscriptStatusFailed && status != persistence.TranscriptStatusRedirected {
		return fmt.Errorf("invalid failure status %q", status)
	}
	return tt.finish(id, status, outcome)
}

func (tt *TranscriptTracker) finish(id uuid.UUID, status persistence.TranscriptStatus, outcome persistence.TranscriptOutcome) error {
	return tt.processor.ProcessEvent(persistence.PersistenceEvent[persistence.FinishTranscriptEvent]{
		Type: persistence.EventTypeFinishTranscript,
		Data: persistence.FinishTranscriptEvent{
			TranscriptID:  id,
			Status:        status,
			Response:      outcome.Response,
			Error:         outcome.Error,
			FragmentCount: outcome.FragmentCount,
			LatencyMs:     outcome.Latency.Milliseconds(),
		},
	})
}
