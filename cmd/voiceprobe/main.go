// Command voiceprobe exercises a running voicegate over its websockets.
//
//	voiceprobe -mode stt -wav sample.wav
//	voiceprobe -mode tts -text "hello there" -out hello.wav
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/speech"
)

type options struct {
	url      string
	mode     string
	wavPath  string
	text     string
	out      string
	chunkMS  int
	realtime float64
	tail     time.Duration
	timeout  time.Duration
	verbose  bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	switch cfg.mode {
	case "stt":
		err = runSTT(ctx, cfg, os.Stdout)
	case "tts":
		err = runTTS(ctx, cfg, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "ws://127.0.0.1:8080/api/v1/ws", "gateway websocket URL")
	fs.StringVar(&cfg.mode, "mode", "tts", "probe mode: stt or tts")
	fs.StringVar(&cfg.wavPath, "wav", "", "16 kHz WAV file to stream (stt mode)")
	fs.StringVar(&cfg.text, "text", "Hello from voiceprobe.", "text to synthesize (tts mode)")
	fs.StringVar(&cfg.out, "out", "", "write synthesized audio to this WAV file (tts mode)")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.tail, "tail", 2*time.Second, "time to wait for trailing utterances after the last chunk")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	switch cfg.mode {
	case "stt":
		if strings.TrimSpace(cfg.wavPath) == "" {
			return options{}, errors.New("-wav is required in stt mode")
		}
	case "tts":
		if strings.TrimSpace(cfg.text) == "" {
			return options{}, errors.New("-text must not be empty in tts mode")
		}
	default:
		return options{}, fmt.Errorf("unknown mode %q", cfg.mode)
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 2 * time.Minute
	}
	return cfg, nil
}

// chunkPCM splits pcm into frames of size bytes. The last frame may be
// shorter.
func chunkPCM(pcm []byte, size int) [][]byte {
	if size <= 0 {
		return [][]byte{pcm}
	}
	var out [][]byte
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}

func runSTT(ctx context.Context, cfg options, w io.Writer) error {
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}
	if rate != speech.SampleRate {
		return fmt.Errorf("%s is %d Hz, the gateway expects %d Hz", cfg.wavPath, rate, speech.SampleRate)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if mt == websocket.TextMessage {
				fmt.Fprintf(w, "utterance: %s\n", msg)
			}
		}
	}()

	chunkBytes := speech.SampleRate * speech.BytesPerSample * cfg.chunkMS / 1000
	pace := time.Duration(float64(cfg.chunkMS)/cfg.realtime) * time.Millisecond
	chunks := chunkPCM(pcm, chunkBytes)
	if cfg.verbose {
		fmt.Fprintf(w, "voiceprobe: streaming %d bytes in %d chunks\n", len(pcm), len(chunks))
	}
	for _, chunk := range chunks {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("ws read: %w", err)
		case <-time.After(pace):
		}
	}

	select {
	case <-ctx.Done():
	case err := <-readErr:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return fmt.Errorf("ws read: %w", err)
		}
	case <-time.After(cfg.tail):
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return nil
}

type synthesisResult struct {
	firstAudio time.Duration
	total      time.Duration
	pcm        []byte
	chunks     int
}

func runTTS(ctx context.Context, cfg options, w io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	res, err := synthesize(ctx, conn, cfg.text)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "first_audio_ms=%d total_ms=%d chunks=%d bytes=%d\n",
		res.firstAudio.Milliseconds(), res.total.Milliseconds(), res.chunks, len(res.pcm))

	if cfg.out != "" {
		if err := audio.WriteWAVPCM16LEFile(cfg.out, res.pcm, speech.SampleRate); err != nil {
			return fmt.Errorf("write %s: %w", cfg.out, err)
		}
		if cfg.verbose {
			fmt.Fprintf(w, "voiceprobe: wrote %s\n", cfg.out)
		}
	}
	return nil
}

func synthesize(ctx context.Context, conn *websocket.Conn, text string) (synthesisResult, error) {
	req, err := json.Marshal(protocol.SynthesisRequest{Action: protocol.ActionSynthesize, Text: text})
	if err != nil {
		return synthesisResult{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	start := time.Now()
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return synthesisResult{}, fmt.Errorf("send request: %w", err)
	}

	var res synthesisResult
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return res, fmt.Errorf("ws read: %w", err)
		}
		if mt == websocket.BinaryMessage {
			if res.chunks == 0 {
				res.firstAudio = time.Since(start)
			}
			res.chunks++
			res.pcm = append(res.pcm, msg...)
			continue
		}
		var frame protocol.ErrorFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			return res, fmt.Errorf("unexpected frame %q: %w", msg, err)
		}
		switch frame.Action {
		case protocol.ActionDone:
			res.total = time.Since(start)
			return res, nil
		case protocol.ActionError:
			return res, fmt.Errorf("gateway error %s: %s", frame.Code, frame.Detail)
		}
	}
}
