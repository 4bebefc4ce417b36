package sshterminal

import (
	"sync"
)

// defaultScrollbackSize is the default maximum scrollback size (1 MB).
const defaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer keeps the tail of a session's output so a UI that
// reattaches can repaint the terminal. Offsets count every byte ever
// written, so a reader can ask for what it missed since its last read.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
	// written is the total number of bytes ever written.
	written int64
}

// NewScrollbackBuffer creates a buffer holding at most maxLen bytes.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, trimming from the front past maxLen.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = append([]byte(nil), s.data[len(s.data)-s.maxLen:]...)
	}
	s.written += int64(len(p))
}

// Snapshot returns a copy of the retained output.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Since returns the retained output written after offset and the offset to
// pass next time. Output trimmed before it could be read is skipped.
func (s *ScrollbackBuffer) Since(offset int64) ([]byte, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.written - int64(len(s.data))
	if offset < start {
		offset = start
	}
	if offset >= s.written {
		return nil, s.written
	}
	out := make([]byte, s.written-offset)
	copy(out, s.data[offset-start:])
	return out, s.written
}

// Len returns the number of retained bytes.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
