// Package tts implements the text-to-speech provider adapters used by the
// TTS gateway. Every adapter produces PCM16LE mono audio at the configured
// sample rate.
package tts

import (
	"context"
	"iter"
)

// Adapter is a TTS provider handle.
//
// Synthesize returns a single-use sequence of audio chunks. Breaking out of
// the range loop, or cancelling ctx, tears down the provider request. An
// error is yielded at most once and ends the sequence.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error]
	Close() error
	IsOpen() bool
}

// fail returns a sequence that yields only err.
func fail(err error) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		yield(nil, err)
	}
}
