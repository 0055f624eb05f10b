package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/speech"
)

// WhisperCLIConfig configures the whisper.cpp command line runner.
type WhisperCLIConfig struct {
	// Command is parsed with shell quoting rules, so it may carry extra
	// flags, e.g. `whisper-cli --flash-attn`.
	Command   string
	ModelPath string
	Language  string
	Threads   int
}

// WhisperCLI is a Model backed by the whisper.cpp CLI. Each call writes a
// temporary WAV file and reads the JSON transcript the CLI emits.
type WhisperCLI struct {
	argv      []string
	modelPath string
	language  string
	threads   int
}

func NewWhisperCLI(cfg WhisperCLIConfig) (*WhisperCLI, error) {
	argv, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse WHISPER_COMMAND: %w", err)
	}
	if len(argv) == 0 {
		argv = []string{"whisper-cli"}
	}
	cliPath, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", argv[0])
	}
	argv[0] = cliPath

	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}

	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}
	return &WhisperCLI{
		argv:      argv,
		modelPath: modelPath,
		language:  language,
		threads:   pickThreads(cfg.Threads),
	}, nil
}

func pickThreads(threads int) int {
	if threads > 0 {
		return threads
	}
	threads = runtime.NumCPU()
	if threads > 8 {
		threads = 8
	}
	if threads < 2 {
		threads = 2
	}
	return threads
}

func (w *WhisperCLI) Transcribe(ctx context.Context, samples []float32) ([]ModelSegment, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	tmpDir, err := os.MkdirTemp("", "voicegate-whisper-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := writeSamplesWAV(wavPath, samples, speech.SampleRate); err != nil {
		return nil, err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := append([]string{}, w.argv[1:]...)
	args = append(args,
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-t", strconv.Itoa(w.threads),
		"-oj",
		"-of", outPrefix,
		"-np",
	)
	cmd := exec.CommandContext(ctx, w.argv[0], args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	raw, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return nil, err
	}
	return parseWhisperJSON(raw)
}

type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(raw []byte) ([]ModelSegment, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Join(errors.New("decode whisper.cpp output"), err)
	}
	segments := make([]ModelSegment, 0, len(out.Transcription))
	for _, t := range out.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		segments = append(segments, ModelSegment{
			Start: time.Duration(t.Offsets.From) * time.Millisecond,
			End:   time.Duration(t.Offsets.To) * time.Millisecond,
			Text:  text,
		})
	}
	return segments, nil
}

func writeSamplesWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("temp wav: %w", err)
	}
	defer f.Close()

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           audio.Float32ToInts(samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
