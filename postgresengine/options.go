package postgresengine

import (
	"github.com/bibliocirc/lending-engine-go/lending"
)

// Option defines a functional option for configuring a Store.
type Option func(*Store) error

// WithTablePrefix prepends the prefix to every table name, so multiple
// deployments can share one database.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) error {
		if prefix == "" {
			return lending.ErrEmptyTablePrefix
		}

		s.tablePrefix = prefix

		return nil
	}
}

// WithLogger sets the logger for the Store.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL statements with execution timing (development use)
// Warn level: Non-critical issues like cleanup failures
// Error level: Critical failures that cause operation failures.
func WithLogger(logger lending.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store.
// The collector will receive per-table statement durations.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *Store) error {
		s.metrics = collector
		return nil
	}
}
