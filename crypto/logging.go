package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper provides standardized logging for the identity and key
// lifecycle code. It never logs key material, only fingerprints and
// truncated previews.
type LoggerHelper struct {
	function string
	logger   *logrus.Logger
	fields   logrus.Fields
}

// NewLogger creates a logger helper writing to the logrus standard logger.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		function: function,
		logger:   logrus.StandardLogger(),
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

// Using redirects output to logger. A nil logger keeps the current one.
func (l *LoggerHelper) Using(logger *logrus.Logger) *LoggerHelper {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithField adds a custom field to the logger
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds multiple custom fields to the logger
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithFingerprint tags the entry with the short form of a fingerprint.
func (l *LoggerHelper) WithFingerprint(key string, fp Fingerprint) *LoggerHelper {
	l.fields[key] = fp.Short()
	return l
}

// WithError adds error information to the logger
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

func (l *LoggerHelper) entry() *logrus.Entry {
	return l.logger.WithFields(l.fields)
}

// Entry logs function entry
func (l *LoggerHelper) Entry(message string) {
	l.entry().Debug("Function entry: " + message)
}

// Exit logs function exit
func (l *LoggerHelper) Exit() {
	l.entry().Debug("Function exit: " + l.function)
}

// Debug logs a debug message
func (l *LoggerHelper) Debug(message string) { l.entry().Debug(message) }

// Info logs an info message
func (l *LoggerHelper) Info(message string) { l.entry().Info(message) }

// Warn logs a warning message
func (l *LoggerHelper) Warn(message string) { l.entry().Warn(message) }

// Error logs an error message
func (l *LoggerHelper) Error(message string) { l.entry().Error(message) }

// SecureFieldHash creates a truncated preview of sensitive data for logging.
// Only the first 4 bytes are shown, enough to correlate tokens across log lines.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := 4
		if len(data) < n {
			n = len(data)
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
