package replay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSweepInterval is how often MemoryLedger drops expired entries.
const DefaultSweepInterval = time.Minute

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	tokens  map[tokenKey]memoryEntry
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	logger  *logrus.Logger
	nowFunc func() time.Time
}

type memoryEntry struct {
	value  []byte
	expiry time.Time
}

// NewMemoryLedger creates a ledger and starts its sweeper.
// A nil logger selects the logrus standard logger.
func NewMemoryLedger(logger *logrus.Logger) *MemoryLedger {
	return newMemoryLedger(logger, DefaultSweepInterval, time.Now)
}

func newMemoryLedger(logger *logrus.Logger, interval time.Duration, now func() time.Time) *MemoryLedger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &MemoryLedger{
		tokens:  make(map[tokenKey]memoryEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		nowFunc: now,
	}
	go l.sweepLoop(interval)
	return l
}

// Issue implements Ledger.
func (l *MemoryLedger) Issue(token, value []byte, issuedAt time.Time, ttl time.Duration) error {
	key, err := keyOf(token)
	if err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if e, exists := l.tokens[key]; exists && issuedAt.Before(e.expiry) {
		return ErrDuplicate
	}
	l.tokens[key] = memoryEntry{
		value:  append([]byte(nil), value...),
		expiry: issuedAt.Add(ttl),
	}
	return nil
}

// Consume implements Ledger.
func (l *MemoryLedger) Consume(token []byte, now time.Time) ([]byte, error) {
	key, err := keyOf(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotIssued, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	e, exists := l.tokens[key]
	if !exists {
		l.logger.WithFields(logrus.Fields{
			"function": "Consume",
			"package":  "replay",
			"token":    fmt.Sprintf("%x", key[:4]),
		}).Warn("Rejected token that is unknown or already consumed")
		return nil, ErrNotIssued
	}
	delete(l.tokens, key)
	if !now.Before(e.expiry) {
		return nil, ErrExpired
	}
	return e.value, nil
}

// Len returns the number of outstanding entries, including expired ones
// not yet swept.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}

// Close stops the sweeper. Further calls fail with ErrClosed.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.tokens = nil
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	return nil
}

func (l *MemoryLedger) sweepLoop(interval time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(l.nowFunc())
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLedger) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.tokens {
		if !now.Before(e.expiry) {
			delete(l.tokens, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.WithFields(logrus.Fields{
			"function":  "sweep",
			"package":   "replay",
			"removed":   removed,
			"remaining": len(l.tokens),
		}).Debug("Swept expired tokens")
	}
}
