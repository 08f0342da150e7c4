package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medrex/appointments/pkg/logger"
	"github.com/medrex/appointments/pkg/types"
)

const defaultEventBuffer = 256

// EventType names a lifecycle event
type EventType string

const (
	EventAppointmentBooked      EventType = "appointment.booked"
	EventAppointmentRescheduled EventType = "appointment.rescheduled"
	EventAppointmentUpdated     EventType = "appointment.updated"
	EventAppointmentCancelled   EventType = "appointment.cancelled"
	EventAppointmentCompleted   EventType = "appointment.completed"
	EventAppointmentDeleted     EventType = "appointment.deleted"
	EventAppointmentPaid        EventType = "appointment.paid"
	EventPrescriptionAttached   EventType = "prescription.attached"
	EventFollowUpConfirmed      EventType = "followup.confirmed"
)

// Event carries a snapshot of the records involved in a lifecycle change
type Event struct {
	Type        EventType
	Appointment types.Appointment
	FollowUp    *types.FollowUp
	OccurredAt  time.Time
}

// EventPublisher accepts lifecycle events without blocking the caller
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler consumes lifecycle events
type EventHandler interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// EventMetrics receives event bus counters
type EventMetrics interface {
	RecordEvent(event string)
	RecordEventDropped()
}

// EventBus fans lifecycle events out to subscribers on a single worker goroutine
type EventBus struct {
	queue    chan Event
	handlers []EventHandler
	metrics  EventMetrics
	logger   *logger.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewEventBus creates a bus holding up to buffer pending events
func NewEventBus(buffer int, metrics EventMetrics, log *logger.Logger) *EventBus {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventBus{
		queue:   make(chan Event, buffer),
		metrics: metrics,
		logger:  log,
		done:    make(chan struct{}),
	}
}

// Subscribe registers a handler; call before Start
func (b *EventBus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start launches the dispatch worker
func (b *EventBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started || b.closed {
		return
	}
	b.started = true
	go b.run()
}

// Publish enqueues the event, dropping it when the queue is full or closed
func (b *EventBus) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.WithField("event", event.Type).Warn("Event published after bus closed, dropping")
		b.recordDropped()
		return
	}

	select {
	case b.queue <- event:
		if b.metrics != nil {
			b.metrics.RecordEvent(string(event.Type))
		}
	default:
		b.logger.WithFields(map[string]interface{}{
			"event":          event.Type,
			"appointment_id": event.Appointment.ID,
		}).Warn("Event queue full, dropping event")
		b.recordDropped()
	}
}

// Close stops accepting events and waits until queued events are delivered
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	started := b.started
	b.mu.Unlock()

	if !started {
		b.run()
		return
	}
	<-b.done
}

func (b *EventBus) run() {
	defer close(b.done)

	for event := range b.queue {
		b.dispatch(event)
	}
}

func (b *EventBus) dispatch(event Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.safeHandle(h, event); err != nil {
			b.logger.WithError(err).WithFields(map[string]interface{}{
				"subscriber":     h.Name(),
				"event":          event.Type,
				"appointment_id": event.Appointment.ID,
			}).Error("Event subscriber failed")
		}
	}
}

func (b *EventBus) safeHandle(h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return h.Handle(ctx, event)
}

func (b *EventBus) recordDropped() {
	if b.metrics != nil {
		b.metrics.RecordEventDropped()
	}
}
