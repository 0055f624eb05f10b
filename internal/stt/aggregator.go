package stt

import (
	"strings"
	"sync"
)

// Segment is one transcript result from a streaming provider.
type Segment struct {
	Text string
	// IsFinal marks text that will not be revised.
	IsFinal bool
	// IsSpeechFinal marks the end of an utterance. It implies IsFinal.
	IsSpeechFinal bool
}

// Aggregator joins finalized segments into utterances.
type Aggregator struct {
	mu    sync.Mutex
	parts []string
}

// Add feeds one segment. When the segment closes an utterance, the joined
// text is returned with ok=true and the buffer is cleared. Empty segments
// never accumulate, but an empty speech-final segment still flushes what
// was collected.
func (a *Aggregator) Add(seg Segment) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(seg.Text)
	// Speech-final counts as final even when is_final is false, so the text
	// closing an utterance is kept rather than dropped.
	if text != "" && (seg.IsFinal || seg.IsSpeechFinal) {
		a.parts = append(a.parts, text)
	}
	if !seg.IsSpeechFinal || len(a.parts) == 0 {
		return "", false
	}
	utterance := strings.Join(a.parts, " ")
	a.parts = a.parts[:0]
	return utterance, true
}

// Pending returns the segments collected so far.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}

// Reset drops collected segments.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.parts = a.parts[:0]
	a.mu.Unlock()
}
