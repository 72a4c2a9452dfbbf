package observe

import (
	"sync"
	"time"
)

// DefaultCallLogCapacity is the default number of entries a CallLog retains.
const DefaultCallLogCapacity = 256

// CallMeta describes a single provider call for display at the UI boundary:
// which pipeline function ran, against which model, and what it cost in
// tokens.
type CallMeta struct {
	// Fn names the pipeline function, e.g. "generate", "summarize",
	// "deduce_world", "refresh_goal".
	Fn string

	// Model is the provider model identifier used for the call.
	Model string

	// PromptTokens and CompletionTokens are the token counts reported by
	// the provider, zero when the provider reports no usage.
	PromptTokens     int
	CompletionTokens int

	// At is when the call completed.
	At time.Time
}

// CallLog is a bounded ring of recent provider call metadata. When the ring
// is full the oldest entry is dropped. Safe for concurrent use.
type CallLog struct {
	mu    sync.Mutex
	ring  []CallMeta
	next  int
	count int
}

// NewCallLog creates a CallLog retaining at most capacity entries.
// capacity <= 0 means DefaultCallLogCapacity.
func NewCallLog(capacity int) *CallLog {
	if capacity <= 0 {
		capacity = DefaultCallLogCapacity
	}
	return &CallLog{ring: make([]CallMeta, capacity)}
}

// Record appends a call record, evicting the oldest when full. A zero At is
// filled with the current time.
func (l *CallLog) Record(meta CallMeta) {
	if meta.At.IsZero() {
		meta.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = meta
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// Recent returns up to n of the most recent records, newest first. n <= 0
// returns all retained records.
func (l *CallLog) Recent(n int) []CallMeta {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]CallMeta, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Len returns the number of retained records.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
