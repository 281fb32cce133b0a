package audio

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one captured chunk of mono PCM16LE samples.
type Frame struct {
	PCM16LE    []byte
	SampleRate int
}

// FrameBytes returns the byte length of one frame at the given rate and
// duration. PCM16 mono: two bytes per sample.
func FrameBytes(sampleRate, frameMillis int) int {
	if sampleRate <= 0 || frameMillis <= 0 {
		return 0
	}
	return sampleRate * frameMillis / 1000 * 2
}

// EncodeFrame base64-encodes a frame for an input_audio_buffer.append event.
func EncodeFrame(f Frame) string {
	return base64.StdEncoding.EncodeToString(f.PCM16LE)
}

// DecodeChunk decodes a base64 audio delta back into raw PCM bytes.
func DecodeChunk(audioBase64 string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return pcm, nil
}

// SplitFrames slices a PCM buffer into fixed-size frames. A short tail is
// returned as a final partial frame rather than dropped.
func SplitFrames(pcm []byte, sampleRate, frameMillis int) []Frame {
	size := FrameBytes(sampleRate, frameMillis)
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	var frames []Frame
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		frames = append(frames, Frame{PCM16LE: pcm[off:end], SampleRate: sampleRate})
	}
	return frames
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container,
// used by playback sinks that persist or replay assistant audio.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
