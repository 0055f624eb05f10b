package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts PCM16LE mono audio between sample rates. Implementations
// are stateful: successive calls continue the same stream, and Flush drains
// the samples still held in the filter once the stream has ended.
type Resampler interface {
	Resample(pcm []byte) ([]byte, error)
	Flush() ([]byte, error)
}

// NewResampler returns a high quality resampler from srcRate to dstRate.
// Matching rates yield a pass-through.
func NewResampler(srcRate, dstRate int) (Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate {
		return passthrough{}, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	return &soxr{r: r}, nil
}

type soxr struct {
	r resampling.Resampler
}

func (s *soxr) Resample(pcm []byte) ([]byte, error) {
	if len(pcm) < 2 {
		return nil, nil
	}
	out, err := s.r.Process(PCM16ToFloat64(pcm))
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return Float64ToPCM16(out), nil
}

func (s *soxr) Flush() ([]byte, error) {
	out, err := s.r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resampler flush: %w", err)
	}
	return Float64ToPCM16(out), nil
}

type passthrough struct{}

func (passthrough) Flush() ([]byte, error) { return nil, nil }

func (passthrough) Resample(pcm []byte) ([]byte, error) {
	out := make([]byte, len(pcm)&^1)
	copy(out, pcm)
	return out, nil
}
