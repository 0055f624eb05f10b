package stt

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/speech"
)

// ModelSegment is one decoded span from a local model.
type ModelSegment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Model runs speech recognition over normalized mono samples at 16 kHz.
// Implementations must be safe for concurrent use; one instance is shared by
// every local adapter in the process.
type Model interface {
	Transcribe(ctx context.Context, samples []float32) ([]ModelSegment, error)
}

// LocalAdapter transcribes each chunk in-process with a shared Model.
// Inference runs on a bounded worker pool so slow decodes cannot pile up.
type LocalAdapter struct {
	model   Model
	workers *semaphore.Weighted
	log     *zap.Logger
	open    atomic.Bool
}

// NewLocalAdapter returns an adapter over model. workers is shared between
// adapters and bounds concurrent inference.
func NewLocalAdapter(model Model, workers *semaphore.Weighted, logger *zap.Logger) *LocalAdapter {
	return &LocalAdapter{
		model:   model,
		workers: workers,
		log:     logging.OrNop(logger).Named("stt.local"),
	}
}

func (a *LocalAdapter) Name() string { return "local" }

func (a *LocalAdapter) Initialize(context.Context, UtteranceFunc) error {
	if a.model == nil {
		return speech.ProviderFailure(a.Name(), "no_model", "local model is not loaded", false)
	}
	a.open.Store(true)
	return nil
}

func (a *LocalAdapter) Transcribe(ctx context.Context, chunk []byte) (string, error) {
	if !a.open.Load() {
		if err := a.Initialize(ctx, nil); err != nil {
			return "", err
		}
	}
	samples := audio.PCM16ToFloat32(chunk)
	if len(samples) == 0 {
		return "", nil
	}

	if a.workers != nil {
		if err := a.workers.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer a.workers.Release(1)
	}

	started := time.Now()
	segments, err := a.model.Transcribe(ctx, samples)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var se *speech.Error
		if errors.As(err, &se) {
			return "", err
		}
		return "", speech.ProviderFailure(a.Name(), "inference", err.Error(), true)
	}

	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Text)
		b.WriteByte(' ')
	}
	text := b.String()
	a.log.Debug("local transcription",
		zap.Int("samples", len(samples)),
		zap.Int("segments", len(segments)),
		zap.Duration("elapsed", time.Since(started)),
	)
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return text, nil
}

func (a *LocalAdapter) Close() error {
	a.open.Store(false)
	return nil
}

func (a *LocalAdapter) IsOpen() bool { return a.open.Load() }

