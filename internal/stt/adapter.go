// Package stt implements the speech-to-text provider adapters and the
// transcript aggregation used by the STT gateway.
package stt

import "context"

// UtteranceFunc receives finalized utterances from streaming providers.
// It is called from the adapter's delivery goroutine, never concurrently
// with itself.
type UtteranceFunc func(text string)

// Adapter is a single STT provider session.
//
// Batch providers return the transcript of each chunk from Transcribe.
// Streaming providers return "" and deliver complete utterances through the
// UtteranceFunc registered with Initialize.
type Adapter interface {
	Name() string
	// Initialize opens the provider session. A nil onUtterance keeps the
	// previously registered callback.
	Initialize(ctx context.Context, onUtterance UtteranceFunc) error
	Transcribe(ctx context.Context, chunk []byte) (string, error)
	Close() error
	IsOpen() bool
}
