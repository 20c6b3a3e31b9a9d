// Package logging builds the runtime's zap loggers.
package logging

import "go.uber.org/zap"

// New builds the process logger: the production JSON encoder by default,
// the development console encoder when requested.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must is New for mains that cannot proceed without a logger.
func Must(development bool) *zap.Logger {
	logger, err := New(development)
	if err != nil {
		panic(err)
	}
	return logger
}
