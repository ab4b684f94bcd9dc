// Package event carries reconcile progress from the engine to whoever is
// listening: the API's recent-events view subscribes through a Recorder.
//
// Every event has Source set to the redacted URL of the tree being
// processed. Payload keys depend on the type:
//
//	stack.deployed     stack, fingerprint
//	stack.failed       stack, error
//	stack.unchanged    stack
//	image.pulled       image, and stack when pulled for a deploy
//	image.removed      image
//	source.reconciled  force
package event

import (
	"log/slog"
	"sync"
	"time"
)

const (
	StackDeployed    = "stack.deployed"
	StackFailed      = "stack.failed"    // deploy or pull failed, stack is in error
	StackUnchanged   = "stack.unchanged" // fingerprint matched and the stack is running
	ImagePulled      = "image.pulled"
	ImageRemoved     = "image.removed" // reference count dropped to zero
	SourceReconciled = "source.reconciled"
)

// Event is one step of a pass.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
	Source  string                 `json:"source"`
	Time    time.Time              `json:"time"`
}

// Handler processes an event.
type Handler func(event Event)

// Bus fans events out to subscribers within the process. Handlers run on
// the publisher's goroutine, so a pass is not finished until its events
// have been recorded.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler for eventType, or for every type with "*".
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish dispatches an event to all matching subscribers synchronously, in
// registration order. A panicking handler is recovered and logged.
// Publishing on a nil Bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", event.Type,
						"source", event.Source,
						"panic", r,
					)
				}
			}()
			h(event)
		}()
	}
}
