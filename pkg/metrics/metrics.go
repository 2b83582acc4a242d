package metrics

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SlowThreshold is the duration after which an operation is reported as slow.
var SlowThreshold = 30 * time.Second

// Timer measures the duration of a single operation.
type Timer struct {
	name  string
	start time.Time
	log   *logrus.Entry
}

// NewTimer creates a new timer for an operation
func NewTimer(operation string) *Timer {
	entry := logrus.WithField("op", operation)
	entry.Debugf("starting %s", operation)
	return &Timer{
		name:  operation,
		start: time.Now(),
		log:   entry,
	}
}

// Stop logs the duration and returns it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	entry := t.log.WithField("duration", duration.Round(time.Millisecond))
	if duration > SlowThreshold {
		entry.Warnf("%s took longer than expected", t.name)
	} else {
		entry.Debugf("%s completed", t.name)
	}
	return duration
}

// Counter accumulates bytes moved by an operation, e.g. a layer download.
type Counter struct {
	Bytes int64
}

func (c *Counter) Write(p []byte) (int, error) {
	c.Bytes += int64(len(p))
	return len(p), nil
}
