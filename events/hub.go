// Package events implements the typed in-process event hub that fans run
// lifecycle events out to subscribers (webhook dispatchers, SSE
// streamers, dashboards). Delivery is at-least-once per active
// subscriber, in publish order per subscriber, and never blocks the
// publisher: each subscriber drains its own queue on its own goroutine.
package events

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentforge/agentrun/core"
)

// Type enumerates the closed set of event variants.
type Type string

const (
	TaskQueued       Type = "task_queued"
	TaskStarted      Type = "task_started"
	TaskCompleted    Type = "task_completed"
	TaskHealing      Type = "task_healing"
	TaskError        Type = "task_error"
	Log              Type = "log"
	ApprovalGranted  Type = "approval_granted"
	ApprovalRejected Type = "approval_rejected"
)

// LogLevel classifies log events.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

// TaskStartedPayload accompanies TaskStarted.
type TaskStartedPayload struct {
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
}

// TaskCompletedPayload summarizes a completed run.
type TaskCompletedPayload struct {
	RunID        string        `json:"run_id"`
	UsedProvider core.Provider `json:"used_provider"`
	Attempts     int           `json:"attempts"`
	CostEstimate string        `json:"cost_estimate"`
	Output       string        `json:"output"`
}

// TaskHealingPayload accompanies a self-heal re-enqueue.
type TaskHealingPayload struct {
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
	Error     string `json:"error"`
}

// TaskErrorPayload accompanies TaskError.
type TaskErrorPayload struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// LogPayload accompanies Log.
type LogPayload struct {
	RunID   string   `json:"run_id"`
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// ApprovalGrantedPayload accompanies ApprovalGranted.
type ApprovalGrantedPayload struct {
	RunID string `json:"run_id"`
}

// ApprovalRejectedPayload accompanies ApprovalRejected.
type ApprovalRejectedPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// Event is a single published value. Payload is the typed struct for the
// event's Type (core.Task for TaskQueued).
type Event struct {
	Type      Type
	RunID     string
	Payload   interface{}
	Timestamp time.Time
}

// Handler consumes events. Handlers run on the subscriber's goroutine;
// a slow handler delays only its own subscription.
type Handler func(Event)

// Subscription identifies a registration and can cancel it. Unsubscribing
// by identity was fragile in the string-keyed emitter this replaces;
// subscriptions carry an id instead.
type Subscription struct {
	hub  *Hub
	typ  Type
	id   int
	once sync.Once
}

// Unsubscribe removes the subscription. Events already queued for it may
// still be delivered.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s.typ, s.id)
	})
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	signal  chan struct{}
	done    chan struct{}
	handler Handler
	logger  core.Logger
}

// Hub is the typed pub/sub fan-out.
type Hub struct {
	mu     sync.Mutex
	subs   map[Type]map[int]*subscriber
	nextID int
	closed bool
	logger core.Logger
	wg     sync.WaitGroup
}

// NewHub creates an event hub. logger may be nil.
func NewHub(logger core.Logger) *Hub {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Hub{
		subs:   make(map[Type]map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type.
func (h *Hub) Subscribe(typ Type, handler Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	sub := &subscriber{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
		logger:  h.logger,
	}
	if h.subs[typ] == nil {
		h.subs[typ] = make(map[int]*subscriber)
	}
	h.subs[typ][id] = sub

	if !h.closed {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			sub.run()
		}()
	}

	return &Subscription{hub: h, typ: typ, id: id}
}

// Publish enqueues the event for every active subscriber of its type.
// It never blocks on subscribers.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(h.subs[event.Type]))
	for _, sub := range h.subs[event.Type] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
}

// SubscriberCount returns the number of active subscribers for a type.
func (h *Hub) SubscriberCount(typ Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[typ])
}

// Close stops all subscriber goroutines. Queued events that have not been
// handed to handlers yet are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, byID := range h.subs {
		for _, sub := range byID {
			close(sub.done)
		}
	}
	h.subs = make(map[Type]map[int]*subscriber)
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *Hub) remove(typ Type, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[typ][id]; ok {
		close(sub.done)
		delete(h.subs[typ], id)
	}
}

func (s *subscriber) enqueue(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.signal:
				continue
			}
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(event)
	}
}

// deliver invokes the handler with panic recovery so one subscriber
// cannot take down the hub.
func (s *subscriber) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event handler panicked", map[string]interface{}{
				"operation":  "event_deliver",
				"event_type": string(event.Type),
				"run_id":     event.RunID,
				"panic":      r,
				"stack":      string(debug.Stack()),
			})
		}
	}()
	s.handler(event)
}
