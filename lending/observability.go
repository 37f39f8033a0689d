package lending

import (
	"time"
)

// Logger interface for operational logging and error reporting.
// The slog-style signature lets any structured logger be plugged in without
// this package depending on a logging library; see the slogadapters package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsCollector interface for collecting protocol performance and
// operational metrics. Implementations can bridge to any metrics backend;
// see the promadapters package for a Prometheus implementation.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// Metric names emitted by the Protocol and the Registry.
const (
	MetricOperations        = "lending_operations_total"
	MetricOperationDuration = "lending_operation_duration_seconds"
	MetricCacheEntries      = "lending_cache_entries"
)

// Label keys used with the metrics above.
const (
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelTenant    = "tenant"
)
