package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is something that happened to the session or an analysis
type Event struct {
	EventType    EventType              `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Subject      string                 `json:"subject"`
	Duration     time.Duration          `json:"duration"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of event
type EventType string

const (
	// SignedIn when a credential pair was accepted
	SignedIn EventType = "signed_in"
	// SignInFailed when a credential pair was rejected
	SignInFailed EventType = "sign_in_failed"
	// SignedOut when the session was cleared
	SignedOut EventType = "signed_out"
	// SessionRestored when a durable session was loaded on start
	SessionRestored EventType = "session_restored"
	// SessionExpired when the stored session token has run out
	SessionExpired EventType = "session_expired"
	// SessionRecordCorrupt when the durable record could not be decoded
	SessionRecordCorrupt EventType = "session_record_corrupt"
	// UploadAccepted when the backend stored an image
	UploadAccepted EventType = "upload_accepted"
	// UploadRejected when an image failed validation or the backend refused it
	UploadRejected EventType = "upload_rejected"
	// AnalysisCompleted when a single result finished successfully
	AnalysisCompleted EventType = "analysis_completed"
	// AnalysisFailed when a single result finished as failed
	AnalysisFailed EventType = "analysis_failed"
	// BatchStarted when a batch was queued
	BatchStarted EventType = "batch_started"
	// BatchFinished when every member of a batch is terminal
	BatchFinished EventType = "batch_finished"
	// ResultMalformed when a backend payload failed schema validation
	ResultMalformed EventType = "result_malformed"
	// ImageFetched when image bytes were loaded from a source
	ImageFetched EventType = "image_fetched"
	// ImageFetchFailed when loading image bytes failed
	ImageFetchFailed EventType = "image_fetch_failed"
)

// NewEvent stamps an event with the current time
func NewEvent(eventType EventType, subject string, success bool) Event {
	return Event{
		EventType: eventType,
		Timestamp: time.Now(),
		Subject:   subject,
		Success:   success,
	}
}

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event Event)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event Event)
}

// LoggingObserver logs events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event Event) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"subject":    event.Subject,
		"success":    event.Success,
	}
	if event.Duration > 0 {
		fields["duration"] = event.Duration
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case SignedIn:
		entry.Info("Signed in")
	case SignInFailed:
		entry.Warn("Sign-in rejected")
	case SignedOut:
		entry.Info("Signed out")
	case SessionRestored:
		entry.Info("Session restored")
	case SessionExpired:
		entry.Info("Stored session expired")
	case SessionRecordCorrupt:
		entry.Warn("Discarded corrupt session record")
	case UploadAccepted:
		entry.Info("Upload accepted")
	case UploadRejected:
		entry.Warn("Upload rejected")
	case AnalysisCompleted:
		entry.Info("Analysis completed")
	case AnalysisFailed:
		entry.Warn("Analysis reported failure")
	case BatchStarted:
		entry.Info("Batch analysis started")
	case BatchFinished:
		entry.Info("Batch analysis finished")
	case ResultMalformed:
		entry.Error("Backend returned a malformed result")
	case ImageFetched:
		entry.Debug("Image fetched successfully")
	case ImageFetchFailed:
		entry.Error("Image fetch failed")
	default:
		entry.Info("Event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// queueSize bounds the events waiting for delivery before publishers block
const queueSize = 256

type delivery struct {
	ctx       context.Context
	event     Event
	observers []Observer
}

// EventPublisher implements the Subject interface. Events are delivered by a
// single dispatcher goroutine, so every observer sees them in publish order.
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer

	sendMu sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

// NewEventPublisher creates a new event publisher and starts its dispatcher
func NewEventPublisher() *EventPublisher {
	p := &EventPublisher{
		observers: make([]Observer, 0),
		queue:     make(chan delivery, queueSize),
		done:      make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers queues event for the observers subscribed right now and
// returns without waiting for them. Events published after Close are dropped.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event Event) {
	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return
	}
	// observers outlive the request that raised the event
	p.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event, observers: observers}
}

// Close delivers the queued events and stops the dispatcher
func (p *EventPublisher) Close() {
	p.sendMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.sendMu.Unlock()
	<-p.done
}

func (p *EventPublisher) dispatch() {
	defer close(p.done)
	for d := range p.queue {
		for _, obs := range d.observers {
			deliver(d.ctx, obs, d.event)
		}
	}
}

func deliver(ctx context.Context, obs Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}

// Notify publishes event when s is not nil
func Notify(ctx context.Context, s Subject, event Event) {
	if s != nil {
		s.NotifyObservers(ctx, event)
	}
}
