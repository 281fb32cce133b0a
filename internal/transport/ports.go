package transport

import (
	"context"

	"github.com/andres-ax/voicecart/internal/audio"
	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/persona"
)

// State is the transport-level lifecycle; LISTENING and SPEAKING are the
// connected sub-states driven by audio activity.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateListening  State = "listening"
	StateSpeaking   State = "speaking"
	StateClosed     State = "closed"
	StateError      State = "error"
)

func (s State) Connected() bool {
	switch s {
	case StateConnected, StateListening, StateSpeaking:
		return true
	default:
		return false
	}
}

// Channel state strings shared with reliability classification.
const (
	ChannelConnecting = "connecting"
	ChannelOpen       = "open"
	ChannelClosed     = "closed"
	ChannelFailed     = "failed"
)

// ControlChannel is the ordered, reliable side-channel carrying JSON
// control and event messages alongside media.
type ControlChannel interface {
	Send(ctx context.Context, payload []byte) error
	Receive() <-chan []byte
	State() string
	Close() error
}

// Dialer produces an open ControlChannel authorized by an ephemeral
// credential. Implementations own the negotiation details.
type Dialer interface {
	Dial(ctx context.Context, cred credential.Credential, p persona.Config) (ControlChannel, error)
}

// MediaSource is the microphone port. The device is exclusive: a second
// Acquire before Release fails, which is why reconnect-driven switches
// release tracks before reacquiring.
type MediaSource interface {
	Acquire(ctx context.Context) (<-chan audio.Frame, error)
	Release()
}

// PlaybackSink receives decoded assistant audio.
type PlaybackSink interface {
	Play(pcm []byte)
}
