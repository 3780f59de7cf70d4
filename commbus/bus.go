package commbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// InMemoryCommBus is a thread-safe CommBus for a single process.
//
// PublishAsync hands events to a bounded ants worker pool so that callers
// on latency-sensitive paths (the kernel's event hook) never wait for
// subscribers. Publish, Send, and QuerySync run on the caller.
//
// Usage:
//
//	bus, err := NewInMemoryCommBus(logger, 30*time.Second, 4)
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	bus.Subscribe("ProcessExited", auditHandler)
//	status, _ := bus.QuerySync(ctx, &GetSystemStatus{})
type InMemoryCommBus struct {
	logger       Logger
	handlers     map[string]HandlerFunc
	subscribers  map[string][]*subscription
	middleware   []Middleware
	queryTimeout time.Duration
	pool         *ants.Pool
	mu           sync.RWMutex
}

type subscription struct {
	handler HandlerFunc
}

// NewInMemoryCommBus creates a bus whose async publishes run on up to
// workers goroutines.
func NewInMemoryCommBus(logger Logger, queryTimeout time.Duration, workers int) (*InMemoryCommBus, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(recovered any) {
			logger.Error("commbus_worker_panic", "panic", recovered)
		}),
	)
	if err != nil {
		return nil, err
	}

	return &InMemoryCommBus{
		logger:       logger,
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]*subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
		pool:         pool,
	}, nil
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers event to every subscriber concurrently and waits for
// them. A failing or panicking subscriber is logged and does not stop the
// others.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processedEvent, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processedEvent == nil {
		b.logger.Debug("commbus_event_aborted", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := b.subscribers[eventType]
	handlers := make([]HandlerFunc, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(handlers))
	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[idx] = fmt.Errorf("subscriber panic: %v", r)
					b.logger.Error("commbus_subscriber_panic", "type", eventType, "panic", r)
				}
			}()
			if _, err := h(ctx, processedEvent); err != nil {
				errs[idx] = err
				b.logger.Warn("commbus_subscriber_failed",
					"type", eventType,
					"subscriber", idx,
					"error", err.Error(),
				)
			}
		}(i, handler)
	}
	wg.Wait()

	_, _ = b.runMiddlewareAfter(ctx, event, nil, errors.Join(errs...))
	return nil
}

// PublishAsync queues Publish(event) on the worker pool. It returns
// ErrOverloaded when every worker is busy and ErrClosed after Close.
func (b *InMemoryCommBus) PublishAsync(ctx context.Context, event Message) error {
	err := b.pool.Submit(func() {
		_ = b.Publish(ctx, event)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrOverloaded
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrClosed
	default:
		return err
	}
}

// Send delivers command to its handler. A command without a handler is
// dropped.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("commbus_command_aborted", "type", messageType)
		return nil
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		b.logger.Warn("commbus_no_handler", "type", messageType)
		return nil
	}

	_, handlerErr := handler(ctx, processed)
	if handlerErr != nil {
		b.logger.Warn("commbus_command_failed", "type", messageType, "error", handlerErr.Error())
	}

	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerErr)
	return handlerErr
}

// QuerySync delivers query to its handler and waits up to the query
// timeout for the answer.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, NewNoHandlerError(messageType)
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, NewNoHandlerError(messageType)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := NewQueryTimeoutError(messageType, b.queryTimeout.Seconds())
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		finalResult, middlewareErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if middlewareErr != nil {
			return finalResult, middlewareErr
		}
		return finalResult, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe registers handler for eventType. The returned func removes
// exactly this subscription.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()

	b.logger.Debug("commbus_subscribed", "type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s == sub {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler registers the handler for messageType.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return NewHandlerAlreadyRegisteredError(messageType)
	}
	b.handlers[messageType] = handler
	b.logger.Debug("commbus_handler_registered", "type", messageType)
	return nil
}

// AddMiddleware appends middleware.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler reports whether messageType has a handler.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// GetSubscribers returns the handlers subscribed to eventType.
func (b *InMemoryCommBus) GetSubscribers(eventType string) []HandlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[eventType]
	result := make([]HandlerFunc, len(subs))
	for i, s := range subs {
		result[i] = s.handler
	}
	return result
}

// InFlight returns the number of async publishes currently running.
func (b *InMemoryCommBus) InFlight() int {
	return b.pool.Running()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Clear removes all handlers, subscribers, and middleware.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]*subscription)
	b.middleware = make([]Middleware, 0)
}

// Close stops accepting async publishes and waits up to the query timeout
// for queued ones to finish.
func (b *InMemoryCommBus) Close() error {
	if b.pool.IsClosed() {
		return nil
	}
	return b.pool.ReleaseTimeout(b.queryTimeout)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	return mws
}

// runMiddlewareBefore runs the Before chain in order. A nil message from
// any middleware aborts.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the After chain in reverse order.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.middlewareSnapshot()
	currentResult := result
	for i := len(mws) - 1; i >= 0; i-- {
		afterResult, afterErr := mws[i].After(ctx, message, currentResult, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			currentResult = afterResult
		}
	}
	return currentResult, err
}

var _ CommBus = (*InMemoryCommBus)(nil)
