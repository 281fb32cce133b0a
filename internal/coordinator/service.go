package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/observability"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/session"
	"github.com/andres-ax/voicecart/internal/transport"
)

// Processor consumes inbound transport payloads for a session. Satisfied
// by the ingest pipeline.
type Processor interface {
	Process(ctx context.Context, sessionID, personaID string, raw []byte) error
	DropSession(sessionID string)
}

// TransportFactory builds a fresh transport session per voice session. The
// onState hook reports transport state changes back to the service so the
// session record can mirror them.
type TransportFactory func(onState func(transport.State)) Transport

type ServiceOptions struct {
	Model        string
	Personas     *persona.Registry
	Tools        ToolSource
	Credentials  CredentialIssuer
	Sessions     *session.Manager
	Store        history.Store
	Metrics      *observability.Metrics
	Processor    Processor
	NewTransport TransportFactory
	RetryEnabled bool
	RetryBackoff time.Duration
	// PumpIdleWait is how long the event pump waits for a fresh events
	// channel while a reconnect is in progress.
	PumpIdleWait time.Duration
}

// Service manages the live sessions of one engine instance: creation,
// persona switches, teardown, credential expiry, and the per-session event
// pump feeding the ingest processor.
type Service struct {
	opts     ServiceOptions
	baseCtx  context.Context
	stop     context.CancelFunc
	idleWait time.Duration

	mu   sync.Mutex
	live map[string]*Coordinator
	wg   sync.WaitGroup
}

func NewService(opts ServiceOptions) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	idle := opts.PumpIdleWait
	if idle <= 0 {
		idle = 100 * time.Millisecond
	}
	return &Service{
		opts:     opts,
		baseCtx:  ctx,
		stop:     cancel,
		idleWait: idle,
		live:     make(map[string]*Coordinator),
	}
}

// CreateSession creates a session record, connects its transport with the
// requested persona, and starts the event pump.
func (s *Service) CreateSession(ctx context.Context, personaID string) (session.CreateResponse, error) {
	p, err := s.opts.Personas.Get(personaID)
	if err != nil {
		return session.CreateResponse{}, err
	}

	rec := s.opts.Sessions.Create(p.ID, p.VoiceID)
	c := New(Options{
		SessionID:    rec.ID,
		Model:        s.opts.Model,
		Personas:     s.opts.Personas,
		Tools:        s.opts.Tools,
		Transport:    s.opts.NewTransport(func(st transport.State) { s.handleTransportState(rec.ID, st) }),
		Credentials:  s.opts.Credentials,
		Sessions:     s.opts.Sessions,
		Store:        s.opts.Store,
		Metrics:      s.opts.Metrics,
		RetryEnabled: s.opts.RetryEnabled,
		RetryBackoff: s.opts.RetryBackoff,
	})

	if err := c.Connect(ctx, p.ID); err != nil {
		return session.CreateResponse{}, err
	}

	s.mu.Lock()
	s.live[rec.ID] = c
	s.mu.Unlock()
	s.observeSessions("created")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(s.baseCtx, c)
	}()

	created, err := s.opts.Sessions.Get(rec.ID)
	if err != nil {
		return session.CreateResponse{}, err
	}
	return session.CreateResponse{
		SessionID:      created.ID,
		Status:         created.Status,
		PersonaID:      created.PersonaID,
		VoiceID:        created.VoiceID,
		CreatedAt:      created.CreatedAt,
		LastActivityAt: created.LastActivityAt,
		IdleTTLMS:      created.ExpiresAt.Sub(created.LastActivityAt).Milliseconds(),
	}, nil
}

// Switch routes a persona change to the session's coordinator. A switch
// whose reconnect left the session in a terminal state releases the
// coordinator: the transport is gone and there is nothing left to drive.
func (s *Service) Switch(ctx context.Context, sessionID, personaID, reason string) (history.PersonaSwitchRecord, error) {
	c, ok := s.coordinator(sessionID)
	if !ok {
		return history.PersonaSwitchRecord{}, session.ErrNotFound
	}
	rec, err := c.SwitchTo(ctx, personaID, reason)
	if err != nil {
		if r, gerr := s.opts.Sessions.Get(sessionID); gerr == nil && r.Status.Terminal() {
			s.dropFailed(sessionID)
		}
	}
	return rec, err
}

// handleTransportState mirrors transport states onto the session record.
// LISTENING and SPEAKING track the audio direction; an asynchronous ERROR
// (remote channel drop, mid-session negotiation loss) terminates the
// session rather than leaving the record ACTIVE on a dead transport.
func (s *Service) handleTransportState(sessionID string, st transport.State) {
	switch st {
	case transport.StateConnected:
		_ = s.opts.Sessions.SetState(sessionID, session.StatusActive)
	case transport.StateListening:
		_ = s.opts.Sessions.SetState(sessionID, session.StatusListening)
	case transport.StateSpeaking:
		_ = s.opts.Sessions.SetState(sessionID, session.StatusSpeaking)
	case transport.StateError:
		c, ok := s.coordinator(sessionID)
		if !ok {
			return
		}
		if !c.TransportFailed("control channel failed") {
			// A switch in flight owns recovery; its outcome decides.
			return
		}
		log.Printf("coordinator: transport for session %s failed, terminating", sessionID)
		s.dropFailed(sessionID)
	}
}

func (s *Service) dropFailed(sessionID string) {
	if _, ok := s.take(sessionID); !ok {
		return
	}
	s.opts.Processor.DropSession(sessionID)
	s.observeSessions("transport_error")
}

// End terminates a session with the given reason.
func (s *Service) End(sessionID, reason string) error {
	c, ok := s.take(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	err := c.End(reason)
	s.opts.Processor.DropSession(sessionID)
	s.observeSessions("ended")
	return err
}

// HandleCredentialExpiry is registered as the broker's expiry hook. The
// owning session is terminated and its transport closed; the session
// record keeps reason "expired" so callers can tell asynchronous expiry
// from deliberate teardown.
func (s *Service) HandleCredentialExpiry(cred credential.Credential) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.CredentialEvents.WithLabelValues("expired").Inc()
	}
	c, ok := s.take(cred.SessionID)
	if !ok {
		return
	}
	log.Printf("coordinator: credential for session %s expired, terminating", cred.SessionID)
	_ = c.End(session.ReasonExpired)
	s.opts.Processor.DropSession(cred.SessionID)
	s.observeSessions("expired")
}

// HandleIdleTimeout is registered as the session manager's expire hook:
// the janitor has already terminated the record, this releases the live
// transport and credential behind it.
func (s *Service) HandleIdleTimeout(sessionID string) {
	c, ok := s.take(sessionID)
	if !ok {
		return
	}
	log.Printf("coordinator: session %s idle, closing transport", sessionID)
	_ = c.End(session.ReasonTimeout)
	s.opts.Processor.DropSession(sessionID)
	s.observeSessions("idle_timeout")
}

// SendFunctionOutput returns a dispatch result to the session's upstream
// conversation.
func (s *Service) SendFunctionOutput(ctx context.Context, sessionID, callID string, payload any) error {
	c, ok := s.coordinator(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	return c.SendFunctionOutput(ctx, callID, payload)
}

// Shutdown ends every live session and waits for the pumps to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.End(id, session.ReasonShutdown); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("coordinator: shutdown session %s: %v", id, err)
		}
	}
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions reports the number of coordinators still live.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// pump feeds inbound payloads to the processor in arrival order. A
// reconnecting transport swaps its events channel, so on channel close the
// pump re-fetches until the session reaches a terminal state.
func (s *Service) pump(ctx context.Context, c *Coordinator) {
	defer s.opts.Processor.DropSession(c.sessionID)
	for {
		events := c.transport.Events()
		for raw := range events {
			personaID := c.Active().ID
			if err := s.opts.Processor.Process(ctx, c.sessionID, personaID, raw); err != nil {
				log.Printf("coordinator: process event for %s: %v", c.sessionID, err)
			}
		}

		rec, err := s.opts.Sessions.Get(c.sessionID)
		if err != nil || rec.Status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.idleWait):
		}
	}
}

func (s *Service) coordinator(sessionID string) (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.live[sessionID]
	return c, ok
}

func (s *Service) take(sessionID string) (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.live[sessionID]
	if ok {
		delete(s.live, sessionID)
	}
	return c, ok
}

func (s *Service) observeSessions(event string) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.SessionEvents.WithLabelValues(event).Inc()
	s.opts.Metrics.ActiveSessions.Set(float64(s.ActiveSessions()))
}
