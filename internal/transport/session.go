package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-ax/voicecart/internal/audio"
	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/protocol"
)

const defaultQuietInterval = 700 * time.Millisecond

var (
	ErrAlreadyOpen  = errors.New("transport session already open")
	ErrNotConnected = errors.New("transport session not connected")
)

type Options struct {
	Dialer Dialer
	Media  MediaSource
	Sink   PlaybackSink
	// QuietInterval is how long after the last audio delta the session
	// reverts from SPEAKING to LISTENING.
	QuietInterval time.Duration
	OnState       func(State)
}

// Session owns one audio+control connection to the upstream realtime
// service. It is single-owner: one Open at a time, and Close releases the
// microphone so a reconnect can reacquire it.
type Session struct {
	dialer Dialer
	media  MediaSource
	sink   PlaybackSink
	quiet  time.Duration

	onState func(State)

	mu          sync.Mutex
	state       State
	channel     ControlChannel
	events      chan []byte
	cancel      context.CancelFunc
	quietTimer  *time.Timer
	mediaHeld   bool
	loopStarted bool
	gen         int
}

func NewSession(opts Options) *Session {
	quiet := opts.QuietInterval
	if quiet <= 0 {
		quiet = defaultQuietInterval
	}
	return &Session{
		dialer:  opts.Dialer,
		media:   opts.Media,
		sink:    opts.Sink,
		quiet:   quiet,
		onState: opts.OnState,
		state:   StateIdle,
	}
}

// Open acquires the microphone, negotiates the control channel with the
// credential as bearer authorization, applies the persona's initial
// configuration, and starts the audio and read loops. Any failure triggers
// a best-effort teardown before the error is returned.
func (s *Session) Open(ctx context.Context, cred credential.Credential, p persona.Config) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state.Connected() {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.events = make(chan []byte, 256)
	s.loopStarted = false
	hook := s.onState
	s.mu.Unlock()
	if hook != nil {
		hook(StateConnecting)
	}

	frames, err := s.media.Acquire(ctx)
	if err != nil {
		s.openFail()
		return fault.Wrap(fault.CodeMediaAccess, "transport", fmt.Errorf("acquire microphone: %w", err))
	}
	s.mu.Lock()
	s.mediaHeld = true
	s.mu.Unlock()

	channel, err := s.dialer.Dial(ctx, cred, p)
	if err != nil {
		s.openFail()
		if fault.CodeOf(err) != "" {
			return err
		}
		return fault.Wrap(fault.CodeNegotiation, "transport", err)
	}

	update := protocol.NewSessionUpdate(protocol.SessionPatch{
		Instructions: p.Instructions,
		Voice:        p.VoiceID,
		Temperature:  p.Temperature,
		ToolChoice:   "auto",
	})
	payload, err := json.Marshal(update)
	if err == nil {
		err = channel.Send(ctx, payload)
	}
	if err != nil {
		_ = channel.Close()
		s.openFail()
		return fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("initial session.update: %w", err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.channel = channel
	s.cancel = cancel
	s.state = StateConnected
	s.loopStarted = true
	events := s.events
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(StateConnected)
	}

	go s.pumpAudio(loopCtx, gen, channel, frames)
	go s.readLoop(loopCtx, gen, channel, events)

	return nil
}

// Send marshals an outbound control message onto the channel. Messages are
// delivered in send order.
func (s *Session) Send(ctx context.Context, msg any) error {
	s.mu.Lock()
	channel := s.channel
	connected := s.state.Connected()
	s.mu.Unlock()
	if !connected || channel == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return channel.Send(ctx, payload)
}

// Events exposes inbound channel payloads in arrival order. The channel is
// closed when the session ends.
func (s *Session) Events() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelState exposes the raw control channel state for retry decisions.
func (s *Session) ChannelState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return ChannelClosed
	}
	return s.channel.State()
}

// Close is idempotent teardown: control channel, pending timers, and media
// tracks are released on every exit path.
func (s *Session) Close() error {
	return s.teardown(StateClosed)
}

func (s *Session) openFail() {
	_ = s.teardown(StateError)
}

func (s *Session) teardown(final State) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateError || s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	channel := s.channel
	cancel := s.cancel
	timer := s.quietTimer
	mediaHeld := s.mediaHeld
	loopStarted := s.loopStarted
	events := s.events
	s.channel = nil
	s.cancel = nil
	s.quietTimer = nil
	s.mediaHeld = false
	s.state = final
	hook := s.onState
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if channel != nil {
		err = channel.Close()
	}
	if mediaHeld {
		s.media.Release()
	}
	if !loopStarted && events != nil {
		// The read loop owns closing events once it has started.
		close(events)
	}
	if hook != nil {
		hook(final)
	}
	return err
}

func (s *Session) pumpAudio(ctx context.Context, gen int, channel ControlChannel, frames <-chan audio.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if len(f.PCM16LE) == 0 {
				continue
			}
			payload, err := json.Marshal(protocol.NewAudioAppend(audio.EncodeFrame(f)))
			if err != nil {
				continue
			}
			if err := channel.Send(ctx, payload); err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, gen int, channel ControlChannel, events chan []byte) {
	defer close(events)
	for payload := range channel.Receive() {
		s.observeInbound(gen, payload)
		select {
		case events <- payload:
		case <-ctx.Done():
			return
		}
	}

	// Channel closed underneath us: an explicit Close/teardown already set a
	// terminal state, anything else is a transport failure.
	s.mu.Lock()
	stale := gen != s.gen || s.state == StateClosed || s.state == StateError
	s.mu.Unlock()
	if !stale {
		_ = s.teardown(StateError)
	}
}

func (s *Session) observeInbound(gen int, payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeAudioDelta:
		var msg protocol.AudioDelta
		if err := json.Unmarshal(payload, &msg); err == nil && s.sink != nil {
			if pcm, err := audio.DecodeChunk(msg.Delta); err == nil {
				s.sink.Play(pcm)
			}
		}
		s.markSpeaking(gen)
	case protocol.TypeAudioDone:
		s.markListening(gen)
	}
}

func (s *Session) markSpeaking(gen int) {
	s.mu.Lock()
	if gen != s.gen || !s.state.Connected() {
		s.mu.Unlock()
		return
	}
	changed := s.state != StateSpeaking
	s.state = StateSpeaking
	if s.quietTimer != nil {
		s.quietTimer.Stop()
	}
	s.quietTimer = time.AfterFunc(s.quiet, func() { s.markListening(gen) })
	hook := s.onState
	s.mu.Unlock()
	if changed && hook != nil {
		hook(StateSpeaking)
	}
}

func (s *Session) markListening(gen int) {
	s.mu.Lock()
	if gen != s.gen || !s.state.Connected() {
		s.mu.Unlock()
		return
	}
	changed := s.state != StateListening
	s.state = StateListening
	if s.quietTimer != nil {
		s.quietTimer.Stop()
		s.quietTimer = nil
	}
	hook := s.onState
	s.mu.Unlock()
	if changed && hook != nil {
		hook(StateListening)
	}
}
