// Package ident centralizes id generation and time so tests can pin
// both.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a bare UUID string.
func NewID() string { return uuid.NewString() }

// Prefixed id constructors for the row kinds that surface in APIs and
// logs. The prefix makes an id self-describing in a trace.
func NewRunID() string     { return "run_" + uuid.NewString() }
func NewThreadID() string  { return "thr_" + uuid.NewString() }
func NewMessageID() string { return "msg_" + uuid.NewString() }
func NewTriggerID() string { return "trg_" + uuid.NewString() }

// NewSecret returns 32 bytes of hex entropy, for webhook HMAC keys.
func NewSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform is broken.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Sequencer hands out strictly increasing timestamps per key. Message
// ordering within a thread relies on distinct sent_at values even when
// several messages are stamped inside the same clock tick.
type Sequencer struct {
	clock Clock

	mu   sync.Mutex
	last map[string]time.Time
}

// NewSequencer builds a sequencer on the given clock (nil = system).
func NewSequencer(clock Clock) *Sequencer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Sequencer{clock: clock, last: make(map[string]time.Time)}
}

// Next returns a timestamp strictly after every earlier Next(key).
func (s *Sequencer) Next(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if prev, ok := s.last[key]; ok && !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	s.last[key] = now
	return now
}
