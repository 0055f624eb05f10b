package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header.
const WAVHeaderSize = 44

// WAVHeader builds the canonical 44-byte header for dataLen bytes of
// uncompressed PCM audio.
func WAVHeader(dataLen, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(bitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if _, err := out.Write(WAVHeader(len(pcm), sampleRate, 1, 16)); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// DecodeWAVPCM16 extracts mono PCM16LE samples and the sample rate from a
// WAV file. Multi-channel audio is downmixed by averaging.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		return pcmData[:len(pcmData)&^1], sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
