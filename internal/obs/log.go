// Package obs provides structured logging, secret redaction, audit trails,
// and Prometheus metrics shared across dubproc's components.
package obs

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide structured logger, matching the
// JSON-formatted logrus setup used throughout the teacher's services.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// WithRedaction wraps a logrus.Fields map, redacting any value whose key
// looks like a secret or whose content matches a known secret pattern.
func WithRedaction(fields logrus.Fields) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = Redact(k, s)
			continue
		}
		out[k] = v
	}
	return out
}
