package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a session lifecycle notification delivered to live subscribers,
// such as a CLI following an apply.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SessionID is the associated session.
	SessionID string `json:"session_id,omitempty"`

	// ProjectID is the associated project.
	ProjectID string `json:"project_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeStateChanged    = "session.state_changed"
	EventTypeApplyOutput     = "session.apply_output"
	EventTypePlanCompleted   = "session.plan_completed"
	EventTypeApplyCompleted  = "session.apply_completed"
	EventTypePolicyViolation = "policy.violation"
	EventTypeError           = "error"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Each subscriber receives
// events in publication order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[int]subscriberEntry
	nextID      int
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[int]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish delivers an event to all subscribers. In async mode a full buffer
// drops the event and reports an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer != nil {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishStateChanged publishes a session state change.
func (ep *EventPublisher) PublishStateChanged(sessionID, projectID, from, to string) error {
	return ep.Publish(Event{
		Type:      EventTypeStateChanged,
		Source:    "orchestrator",
		SessionID: sessionID,
		ProjectID: projectID,
		Message:   fmt.Sprintf("Session %s moved from %s to %s", sessionID, from, to),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishApplyOutput publishes one line of streamed apply output.
func (ep *EventPublisher) PublishApplyOutput(sessionID, line string) error {
	return ep.Publish(Event{
		Type:      EventTypeApplyOutput,
		Source:    "runner",
		SessionID: sessionID,
		Message:   line,
		Level:     EventLevelInfo,
	})
}

// PublishPlanCompleted publishes the outcome of a plan.
func (ep *EventPublisher) PublishPlanCompleted(sessionID string, success bool, add, change, destroy int) error {
	level := EventLevelInfo
	if !success {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypePlanCompleted,
		Source:    "orchestrator",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Plan: %d to add, %d to change, %d to destroy", add, change, destroy),
		Level:     level,
		Data: map[string]interface{}{
			"success": success,
			"add":     add,
			"change":  change,
			"destroy": destroy,
		},
	})
}

// PublishApplyCompleted publishes the outcome of a background apply.
func (ep *EventPublisher) PublishApplyCompleted(sessionID string, success bool, duration time.Duration, reason string) error {
	event := Event{
		Type:      EventTypeApplyCompleted,
		Source:    "orchestrator",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Apply of session %s succeeded", sessionID),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"success":  success,
			"duration": duration.Seconds(),
		},
	}
	if !success {
		event.Message = fmt.Sprintf("Apply of session %s failed: %s", sessionID, reason)
		event.Level = EventLevelError
		event.Data["reason"] = reason
	}
	return ep.Publish(event)
}

// PublishPolicyViolation publishes a validation denial.
func (ep *EventPublisher) PublishPolicyViolation(sessionID string, violations []string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s denied with %d violation(s)", sessionID, len(violations)),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"violations": violations,
		},
	})
}

// Subscribe adds a subscriber and returns the function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		delete(ep.subscribers, id)
	}
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain what is already buffered.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for _, entry := range ep.subscribers {
		entries = append(entries, entry)
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, delivering buffered events first.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
