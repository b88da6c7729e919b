package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/sirupsen/logrus"
)

// New builds a logrus logger from the logging configuration
func New(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(output(cfg.Output))
	return logger
}

func output(name string) io.Writer {
	switch strings.ToLower(name) {
	case "stderr":
		return os.Stderr
	case "discard", "none":
		return io.Discard
	default:
		return os.Stdout
	}
}

// sensitivePatterns are field-name fragments whose values never reach the log.
var sensitivePatterns = []string{
	"password", "token", "secret", "comment", "display_name", "name", "input_features",
}

// Sanitize returns a copy of fields with patient-identifying values redacted
// and long strings truncated.
func Sanitize(fields logrus.Fields) logrus.Fields {
	sanitized := make(logrus.Fields, len(fields))
	for k, v := range fields {
		sanitized[k] = sanitizeField(k, v)
	}
	return sanitized
}

func sanitizeField(key string, value interface{}) interface{} {
	lowerKey := strings.ToLower(key)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerKey, pattern) {
			return "[REDACTED]"
		}
	}

	if str, ok := value.(string); ok && len(str) > 500 {
		return str[:500] + "... [TRUNCATED]"
	}
	return value
}
