// Package progress publishes workflow progress events, including rolling
// streamed LLM output.
package progress

import (
	"strings"
	"sync"
)

// streamTail is how many characters of streamed content an event carries.
const streamTail = 150

// Event is one progress update. Progress is in [0, 1].
type Event struct {
	Progress         float64                `json:"progress"`
	Step             string                 `json:"step"`
	Message          string                 `json:"message"`
	Details          map[string]interface{} `json:"details,omitempty"`
	IsStreaming      bool                   `json:"is_streaming"`
	StreamingContent string                 `json:"streaming_content,omitempty"`
}

// Callback receives every published event.
type Callback func(Event)

// Tracker holds the latest event and forwards updates to the callback.
// Safe for concurrent use; streamed chunks may arrive from several
// validation calls at once.
type Tracker struct {
	mu   sync.Mutex
	last Event
	buf  []rune
	step string
	cb   Callback
}

// NewTracker creates a tracker. cb may be nil.
func NewTracker(cb Callback) *Tracker {
	return &Tracker{cb: cb}
}

// Update publishes a discrete progress event.
func (t *Tracker) Update(progress float64, step, message string, details map[string]interface{}) {
	t.mu.Lock()
	ev := Event{
		Progress: clamp(progress),
		Step:     step,
		Message:  message,
		Details:  details,
	}
	t.last = ev
	cb := t.cb
	t.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

// StreamUpdate appends a chunk to the rolling buffer and publishes a
// streaming event whose content is the buffer's last 150 characters with
// newlines collapsed to spaces. Changing step resets the buffer.
func (t *Tracker) StreamUpdate(progress float64, step, chunk, message string) {
	t.mu.Lock()
	if step != t.step {
		t.step = step
		t.buf = t.buf[:0]
	}
	t.buf = append(t.buf, []rune(chunk)...)
	if len(t.buf) > streamTail {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-streamTail:]...)
	}
	content := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(string(t.buf))

	ev := Event{
		Progress:         clamp(progress),
		Step:             step,
		Message:          message,
		IsStreaming:      true,
		StreamingContent: content,
	}
	t.last = ev
	cb := t.cb
	t.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

// Last returns the most recent event.
func (t *Tracker) Last() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// ResetStream discards the rolling buffer, e.g. after a cancelled call.
func (t *Tracker) ResetStream() {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.step = ""
	t.mu.Unlock()
}

// ChunkCallback returns a chunk handler bound to a fixed progress and
// step, suitable for LLM streaming.
func (t *Tracker) ChunkCallback(progress float64, step, message string) func(chunk string) {
	return func(chunk string) {
		t.StreamUpdate(progress, step, chunk, message)
	}
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
