package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/observability"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/policy"
	"github.com/andres-ax/voicecart/internal/protocol"
	"github.com/andres-ax/voicecart/internal/reliability"
	"github.com/andres-ax/voicecart/internal/session"
	"github.com/andres-ax/voicecart/internal/transport"
)

var ErrSwitchInFlight = errors.New("persona switch already in flight")

// Transport is the slice of the transport session the coordinator drives.
type Transport interface {
	Open(ctx context.Context, cred credential.Credential, p persona.Config) error
	Send(ctx context.Context, msg any) error
	Events() <-chan []byte
	State() transport.State
	ChannelState() string
	Close() error
}

// CredentialIssuer mints and revokes the ephemeral upstream credentials a
// transport authenticates with.
type CredentialIssuer interface {
	Issue(ctx context.Context, sessionID, model, voice string) (credential.Credential, error)
	Revoke(sessionID string)
}

// ToolSource scopes advertised tool definitions by persona.
type ToolSource interface {
	AvailableFor(personaID string) []protocol.ToolDefinition
}

type Options struct {
	SessionID   string
	Model       string
	Personas    *persona.Registry
	Tools       ToolSource
	Transport   Transport
	Credentials CredentialIssuer
	Sessions    *session.Manager
	Store       history.Store
	Metrics     *observability.Metrics
	// RetryEnabled allows one retried session.update before an in-place
	// switch falls back to a full reconnect.
	RetryEnabled bool
	RetryBackoff time.Duration
}

// Coordinator owns one session's persona and its transport lifecycle. The
// voice is pinned for the lifetime of a negotiated connection, so a switch
// to a persona with a different voice always tears the transport down and
// reconnects; equal voices are updated in place over the live channel.
type Coordinator struct {
	sessionID    string
	model        string
	personas     *persona.Registry
	tools        ToolSource
	transport    Transport
	credentials  CredentialIssuer
	sessions     *session.Manager
	store        history.Store
	metrics      *observability.Metrics
	retryEnabled bool
	retryBackoff time.Duration

	mu       sync.Mutex
	active   persona.Config
	inFlight bool
}

func New(opts Options) *Coordinator {
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 150 * time.Millisecond
	}
	return &Coordinator{
		sessionID:    opts.SessionID,
		model:        opts.Model,
		personas:     opts.Personas,
		tools:        opts.Tools,
		transport:    opts.Transport,
		credentials:  opts.Credentials,
		sessions:     opts.Sessions,
		store:        opts.Store,
		metrics:      opts.Metrics,
		retryEnabled: opts.RetryEnabled,
		retryBackoff: backoff,
	}
}

func (c *Coordinator) SessionID() string { return c.sessionID }

// Active returns the persona currently applied to the transport.
func (c *Coordinator) Active() persona.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Connect issues a credential and opens the transport with the given
// persona. Used for the initial connection; subsequent persona changes go
// through SwitchTo.
func (c *Coordinator) Connect(ctx context.Context, personaID string) error {
	p, err := c.personas.Get(personaID)
	if err != nil {
		return err
	}
	if err := c.openWith(ctx, p); err != nil {
		_, _ = c.sessions.Fail(c.sessionID, policy.SafeDetail(err.Error()))
		return err
	}
	return nil
}

// SwitchTo moves the session to the target persona. Only one switch runs
// at a time; concurrent calls fail fast with ErrSwitchInFlight. Every
// attempt, successful or not, is appended to the switch history.
func (c *Coordinator) SwitchTo(ctx context.Context, targetID, reason string) (history.PersonaSwitchRecord, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return history.PersonaSwitchRecord{}, ErrSwitchInFlight
	}
	c.inFlight = true
	from := c.active
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	rec := history.PersonaSwitchRecord{
		SessionID:   c.sessionID,
		FromPersona: from.ID,
		ToPersona:   targetID,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}

	target, err := c.personas.Get(targetID)
	if err != nil {
		rec.Error = err.Error()
		c.record(ctx, rec)
		return rec, err
	}

	start := time.Now()
	strategy, switchErr := c.perform(ctx, from, target)
	rec.Strategy = strategy
	rec.Succeeded = switchErr == nil
	if switchErr != nil {
		rec.Error = policy.SafeDetail(switchErr.Error())
		if strategy == history.StrategyReconnect && !c.transport.State().Connected() {
			// Reconnect failed: the old channel is gone and no new one
			// came up, so the session is over.
			_, _ = c.sessions.Fail(c.sessionID, rec.Error)
		}
	} else {
		_ = c.sessions.SetPersona(c.sessionID, target.ID, target.VoiceID)
	}
	c.observeSwitch(strategy, switchErr == nil, time.Since(start))
	c.record(ctx, rec)
	return rec, switchErr
}

// perform picks and executes the switch strategy. The returned strategy is
// the one actually used: an in-place attempt that falls back reports
// RECONNECT.
func (c *Coordinator) perform(ctx context.Context, from, target persona.Config) (history.Strategy, error) {
	if !c.transport.State().Connected() {
		return history.StrategyReconnect, c.reconnect(ctx, target)
	}
	if shared, err := c.personas.SharedVoice(from.ID, target.ID); err != nil || !shared {
		return history.StrategyReconnect, c.reconnect(ctx, target)
	}

	err := c.applyPersona(ctx, target)
	if err != nil && !fault.IsTransportFatal(err) && c.retryEnabled &&
		reliability.IsFlickeringChannelState(c.transport.ChannelState()) {
		time.Sleep(reliability.ExponentialBackoff(1, c.retryBackoff, 2*time.Second))
		err = c.applyPersona(ctx, target)
	}
	if err == nil {
		c.mu.Lock()
		c.active = target
		c.mu.Unlock()
		return history.StrategyInPlace, nil
	}

	log.Printf("coordinator: in-place switch %s -> %s failed (%v), reconnecting", from.ID, target.ID, err)
	if c.metrics != nil {
		c.metrics.ObserveIndicator("reconnect_fallback")
	}
	return history.StrategyReconnect, c.reconnect(ctx, target)
}

// TransportFailed handles an asynchronous transport error for this session.
// It reports false when a switch is mid-flight: that switch owns recovery
// and will either reconnect or fail the session itself.
func (c *Coordinator) TransportFailed(detail string) bool {
	c.mu.Lock()
	inFlight := c.inFlight
	c.mu.Unlock()
	if inFlight {
		return false
	}
	c.credentials.Revoke(c.sessionID)
	if _, err := c.sessions.Fail(c.sessionID, policy.SafeDetail(detail)); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("coordinator: fail %s: %v", c.sessionID, err)
	}
	return true
}

func (c *Coordinator) reconnect(ctx context.Context, target persona.Config) error {
	if c.transport.State().Connected() {
		_ = c.transport.Close()
	}
	if err := c.openWith(ctx, target); err != nil {
		return err
	}
	_ = c.sessions.CountReconnect(c.sessionID)
	return nil
}

func (c *Coordinator) openWith(ctx context.Context, p persona.Config) error {
	issueStart := time.Now()
	cred, err := c.credentials.Issue(ctx, c.sessionID, c.model, p.VoiceID)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ObserveStage("credential_issue", time.Since(issueStart))
		c.metrics.CredentialEvents.WithLabelValues("issued").Inc()
	}

	if err := c.transport.Open(ctx, cred, p); err != nil {
		c.credentials.Revoke(c.sessionID)
		return err
	}
	if err := c.applyPersona(ctx, p); err != nil {
		log.Printf("coordinator: tool advertisement for %s failed: %v", p.ID, err)
	}

	c.mu.Lock()
	c.active = p
	c.mu.Unlock()
	_ = c.sessions.SetExpiresAt(c.sessionID, cred.ExpiresAt)
	_ = c.sessions.SetState(c.sessionID, session.StatusActive)
	return nil
}

// applyPersona pushes the persona's instructions and its scoped tool list
// over the live channel.
func (c *Coordinator) applyPersona(ctx context.Context, p persona.Config) error {
	patch := protocol.SessionPatch{
		Instructions: p.Instructions,
		Voice:        p.VoiceID,
		Temperature:  p.Temperature,
		ToolChoice:   "auto",
	}
	if c.tools != nil {
		patch.Tools = c.tools.AvailableFor(p.ID)
	}
	return c.transport.Send(ctx, protocol.NewSessionUpdate(patch))
}

// SendFunctionOutput returns a dispatch result to the model as a
// function_call_output conversation item.
func (c *Coordinator) SendFunctionOutput(ctx context.Context, callID string, payload any) error {
	output, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal function output: %w", err)
	}
	return c.transport.Send(ctx, protocol.NewFunctionOutput(callID, string(output)))
}

// End terminates the session: transport down, credential revoked, record
// closed with the given reason. Safe to call more than once.
func (c *Coordinator) End(reason string) error {
	err := c.transport.Close()
	c.credentials.Revoke(c.sessionID)
	if _, terr := c.sessions.Terminate(c.sessionID, reason); terr != nil && !errors.Is(terr, session.ErrNotFound) {
		log.Printf("coordinator: terminate %s: %v", c.sessionID, terr)
	}
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues("terminated").Inc()
	}
	return err
}

func (c *Coordinator) observeSwitch(strategy history.Strategy, ok bool, d time.Duration) {
	if c.metrics == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	label := string(strategy)
	if label == "" {
		label = "none"
	}
	c.metrics.PersonaSwitches.WithLabelValues(label, result).Inc()
	switch strategy {
	case history.StrategyInPlace:
		c.metrics.ObserveStage("switch_in_place", d)
	case history.StrategyReconnect:
		c.metrics.ObserveStage("switch_reconnect", d)
	}
}

func (c *Coordinator) record(ctx context.Context, rec history.PersonaSwitchRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSwitch(ctx, rec); err != nil {
		log.Printf("coordinator: save switch record for %s: %v", c.sessionID, err)
	}
}
