package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andres-ax/voicecart/internal/audio"
)

// SimulatedMediaSource emits silent PCM frames at capture cadence. It is
// the fallback when no real capture device is wired, and it enforces the
// same exclusivity a physical microphone has.
type SimulatedMediaSource struct {
	SampleRate  int
	FrameMillis int

	mu   sync.Mutex
	held bool
	stop chan struct{}
}

var ErrDeviceBusy = errors.New("media device busy")

func (s *SimulatedMediaSource) Acquire(_ context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, ErrDeviceBusy
	}

	rate := s.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	frameMS := s.FrameMillis
	if frameMS <= 0 {
		frameMS = 20
	}

	s.held = true
	s.stop = make(chan struct{})
	stop := s.stop

	frames := make(chan audio.Frame, 8)
	size := audio.FrameBytes(rate, frameMS)
	go func() {
		defer close(frames)
		ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case frames <- audio.Frame{PCM16LE: make([]byte, size), SampleRate: rate}:
				default:
					// Drop when the pump is behind; capture never blocks.
				}
			}
		}
	}()
	return frames, nil
}

func (s *SimulatedMediaSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return
	}
	close(s.stop)
	s.stop = nil
	s.held = false
}

// NullPlaybackSink discards assistant audio. Kiosk builds replace it with a
// device-backed sink.
type NullPlaybackSink struct{}

func (NullPlaybackSink) Play([]byte) {}

// BufferPlaybackSink accumulates played PCM, for diagnostics and tests.
type BufferPlaybackSink struct {
	mu  sync.Mutex
	pcm []byte
}

func (b *BufferPlaybackSink) Play(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = append(b.pcm, pcm...)
}

func (b *BufferPlaybackSink) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.pcm...)
}

// WAV returns the accumulated audio wrapped in a WAV container.
func (b *BufferPlaybackSink) WAV(sampleRate int) ([]byte, error) {
	return audio.EncodeWAVPCM16LE(b.Bytes(), sampleRate)
}
