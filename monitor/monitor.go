// Package monitor provides structured operational event logging for
// intercom services. Every event carries the service name and an event
// type so deployments can filter one node's log stream by subsystem.
package monitor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor emits structured events for one named service.
type Monitor struct {
	service string
	logger  *logrus.Logger
}

// New creates a Monitor for the given service name using the standard
// logger.
func New(service string) *Monitor {
	return NewWithLogger(service, logrus.StandardLogger())
}

// NewWithLogger creates a Monitor that writes to a specific logger.
// Tests use this to capture output.
func NewWithLogger(service string, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{service: service, logger: logger}
}

// Service returns the service name events are tagged with.
func (m *Monitor) Service() string {
	return m.service
}

func (m *Monitor) entry(eventType string, fields logrus.Fields) *logrus.Entry {
	merged := logrus.Fields{
		"service": m.service,
		"event":   eventType,
	}
	for k, v := range fields {
		merged[k] = v
	}
	return m.logger.WithFields(merged)
}

// Event records an informational event.
func (m *Monitor) Event(eventType string, fields logrus.Fields, msg string) {
	m.entry(eventType, fields).Info(msg)
}

// WarnEvent records a warning event.
func (m *Monitor) WarnEvent(eventType string, fields logrus.Fields, msg string) {
	m.entry(eventType, fields).Warn(msg)
}

// ErrorEvent records an error event. A nil error is logged without the
// error field.
func (m *Monitor) ErrorEvent(eventType string, err error, fields logrus.Fields, msg string) {
	entry := m.entry(eventType, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

// TimeBlock runs fn and records its wall-clock duration as an event.
// The error returned by fn is passed through; a failing block is logged
// as an error event with the same duration field.
func (m *Monitor) TimeBlock(eventType string, fields logrus.Fields, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	merged := logrus.Fields{"duration_ms": float64(elapsed.Microseconds()) / 1000.0}
	for k, v := range fields {
		merged[k] = v
	}

	if err != nil {
		m.ErrorEvent(eventType, err, merged, "Timed block failed")
		return err
	}
	m.Event(eventType, merged, "Timed block completed")
	return nil
}
