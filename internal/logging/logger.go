// Package logging builds the zap loggers shared by the binaries.
package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a production JSON logger tagged with the service name.
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	return config.Build()
}

// WithRequestID returns a logger with request_id field.
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithOwner returns a logger with owner_id field.
func WithOwner(logger *zap.Logger, ownerID string) *zap.Logger {
	return logger.With(zap.String("owner_id", ownerID))
}
