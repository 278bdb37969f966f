package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, &buf
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		function string
	}{
		{"basic function", "LoadOrCreate"},
		{"empty function", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLogger(tt.function)
			if l.function != tt.function {
				t.Errorf("function = %v, want %v", l.function, tt.function)
			}
			if l.fields["package"] != "crypto" {
				t.Errorf("fields[package] = %v, want crypto", l.fields["package"])
			}
			if l.logger != logrus.StandardLogger() {
				t.Error("NewLogger() should default to the standard logger")
			}
		})
	}
}

func TestLoggerHelper_Using(t *testing.T) {
	logger, buf := captureLogger()

	NewLogger("TestFunction").Using(logger).WithField("label", "alice").Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"label":"alice"`) {
		t.Errorf("output missing label field: %s", out)
	}
	if !strings.Contains(out, `"function":"TestFunction"`) {
		t.Errorf("output missing function field: %s", out)
	}

	if l := NewLogger("x").Using(nil); l.logger != logrus.StandardLogger() {
		t.Error("Using(nil) should keep the current logger")
	}
}

func TestLoggerHelper_WithFingerprint(t *testing.T) {
	kp, err := GenerateKeyPair("alice")
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	l := NewLogger("TestFunction").WithFingerprint("fp", kp.Fingerprint())
	if l.fields["fp"] != kp.Fingerprint().Short() {
		t.Errorf("fields[fp] = %v, want %v", l.fields["fp"], kp.Fingerprint().Short())
	}
}

func TestLoggerHelper_WithError(t *testing.T) {
	logger, buf := captureLogger()

	NewLogger("TestFunction").Using(logger).
		WithError(errors.New("boom"), "io", "write").
		Error("failed")

	out := buf.String()
	for _, want := range []string{`"error":"boom"`, `"error_type":"io"`, `"operation":"write"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
	}{
		{"nil", nil, "nil"},
		{"short", []byte{0xab, 0xcd}, "abcd"},
		{"long", []byte{1, 2, 3, 4, 5, 6}, "01020304..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := SecureFieldHash(tt.data, "token")
			if fields["token_preview"] != tt.preview {
				t.Errorf("preview = %v, want %v", fields["token_preview"], tt.preview)
			}
			if fields["token_size"] != len(tt.data) {
				t.Errorf("size = %v, want %v", fields["token_size"], len(tt.data))
			}
		})
	}
}
