package crypto

import "time"

// TimeProvider supplies the creation time recorded in generated key files.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider reads the wall clock, truncated to whole seconds
// because key files store creation time as a unix timestamp.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now().Truncate(time.Second) }

// TimeFunc adapts a function to TimeProvider.
type TimeFunc func() time.Time

// Now calls f.
func (f TimeFunc) Now() time.Time { return f() }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// SetDefaultTimeProvider replaces the clock used by GenerateKeyPair and by
// key stores created without WithTimeProvider. Pass nil to restore the wall
// clock.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	defaultTimeProvider = tp
}
