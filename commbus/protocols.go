// Package commbus is the in-process message bus that carries kernel events
// to observers and routes process queries and commands to the kernel.
//
// Message categories:
//   - event: fire-and-forget, fan-out to every subscriber
//   - query: request-response, single handler
//   - command: fire-and-forget, single handler
package commbus

import (
	"context"
)

// Message is implemented by every bus message.
type Message interface {
	// Category returns "event", "query", or "command".
	Category() string
}

// Query is a message that expects a response.
type Query interface {
	Message
	IsQuery()
}

// Handler processes a message and returns a response for queries.
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages before and after handling.
type Middleware interface {
	// Before returns the message to handle, or nil to drop it.
	Before(ctx context.Context, message Message) (Message, error)

	// After returns the (possibly replaced) result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Logger is the structured logger the bus writes to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// CommBus provides the three messaging patterns.
type CommBus interface {
	// Publish fans event out to every subscriber and waits for them.
	Publish(ctx context.Context, event Message) error

	// PublishAsync queues event for delivery on the worker pool.
	PublishAsync(ctx context.Context, event Message) error

	// Send delivers command to its handler.
	Send(ctx context.Context, command Message) error

	// QuerySync delivers query to its handler and waits for the response.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe registers handler for eventType and returns an unsubscribe func.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers the single handler for messageType.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware appends middleware; it runs in registration order.
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	GetSubscribers(eventType string) []HandlerFunc

	// Clear removes all handlers, subscribers, and middleware.
	Clear()

	// Close waits for queued events and stops the worker pool.
	Close() error
}
