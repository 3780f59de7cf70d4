package commbus

import (
	"context"
)

// LoggingMiddleware logs every message passing through the bus.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware writing to logger.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message",
		"category", message.Category(),
		"type", GetMessageType(message),
	)
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("commbus_message_completed", "type", GetMessageType(message))
	}
	return result, nil
}

var _ Middleware = (*LoggingMiddleware)(nil)
