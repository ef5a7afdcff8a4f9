package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithEventType returns a logger with event_type field
func WithEventType(logger *zap.Logger, eventType string) *zap.Logger {
	return logger.With(zap.String("event_type", eventType))
}

// WithSaga returns a logger scoped to one saga run
func WithSaga(logger *zap.Logger, saga string, entityID string) *zap.Logger {
	return logger.With(zap.String("saga", saga), zap.String("entity_id", entityID))
}
