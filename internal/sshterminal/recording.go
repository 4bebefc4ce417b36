package sshterminal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// RecordingEntry is one event of a session recording: "o" for output, "i"
// for input and "r" for a resize, whose Data is "COLSxROWS".
type RecordingEntry struct {
	Elapsed float64 `json:"elapsed"`
	Type    string  `json:"type"`
	Data    string  `json:"data"`
}

// SessionRecording captures timestamped terminal I/O. It is safe for
// concurrent use.
type SessionRecording struct {
	mu         sync.Mutex
	clock      Clock
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
	width      int
	height     int
}

// NewSessionRecording starts a recording of a cols x rows terminal. If
// maxEntries <= 0, there is no limit on the number of entries.
func NewSessionRecording(clock Clock, maxEntries, cols, rows int) *SessionRecording {
	if clock == nil {
		clock = RealClock{}
	}
	return &SessionRecording{
		clock:      clock,
		startTime:  clock.Now(),
		maxEntries: maxEntries,
		width:      cols,
		height:     rows,
	}
}

func (sr *SessionRecording) add(typ string, data string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.maxEntries > 0 && len(sr.entries) >= sr.maxEntries {
		return
	}
	sr.entries = append(sr.entries, RecordingEntry{
		Elapsed: sr.clock.Now().Sub(sr.startTime).Seconds(),
		Type:    typ,
		Data:    data,
	})
}

// RecordOutput adds an output event.
func (sr *SessionRecording) RecordOutput(data []byte) { sr.add("o", string(data)) }

// RecordInput adds an input event.
func (sr *SessionRecording) RecordInput(data []byte) { sr.add("i", string(data)) }

// RecordResize adds a resize event.
func (sr *SessionRecording) RecordResize(cols, rows int) {
	sr.add("r", strconv.Itoa(cols)+"x"+strconv.Itoa(rows))
}

// Entries returns a copy of all recorded entries.
func (sr *SessionRecording) Entries() []RecordingEntry {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	result := make([]RecordingEntry, len(sr.entries))
	copy(result, sr.entries)
	return result
}

// EntryCount returns the number of recorded entries.
func (sr *SessionRecording) EntryCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.entries)
}

type castHeader struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// ExportCast renders the recording as an asciicast v2 document: a header
// line followed by one [elapsed, type, data] array per event.
func (sr *SessionRecording) ExportCast() ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(castHeader{Version: 2, Width: sr.width, Height: sr.height, Timestamp: sr.startTime.Unix()}); err != nil {
		return nil, err
	}
	for _, e := range sr.entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
