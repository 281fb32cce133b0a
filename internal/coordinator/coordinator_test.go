package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/session"
	"github.com/andres-ax/voicecart/internal/transport"
)

type fakeTransport struct {
	mu          sync.Mutex
	state       transport.State
	chanState   string
	events      chan []byte
	opens       int
	closes      int
	openErr     error
	failSends   int
	sent        []any
	blockSend   chan struct{}
	sendEntered chan struct{}
	onState     func(transport.State)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: transport.StateIdle, chanState: transport.ChannelClosed}
}

// notify invokes the registered state hook the way the production session
// does: outside the transport lock.
func (f *fakeTransport) notify(st transport.State) {
	f.mu.Lock()
	hook := f.onState
	f.mu.Unlock()
	if hook != nil {
		hook(st)
	}
}

// remoteDrop simulates the upstream closing the channel mid-session: the
// events channel ends, the transport lands in its terminal error state,
// and the state hook fires.
func (f *fakeTransport) remoteDrop() {
	f.mu.Lock()
	if f.state == transport.StateConnected {
		close(f.events)
	}
	f.state = transport.StateError
	f.chanState = transport.ChannelFailed
	f.mu.Unlock()
	f.notify(transport.StateError)
}

func (f *fakeTransport) Open(_ context.Context, _ credential.Credential, _ persona.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.state = transport.StateConnected
	f.chanState = transport.ChannelOpen
	f.events = make(chan []byte, 16)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg any) error {
	f.mu.Lock()
	block := f.blockSend
	entered := f.sendEntered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return errors.New("channel flicker")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Events() <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) ChannelState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chanState
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == transport.StateConnected {
		close(f.events)
	}
	f.state = transport.StateClosed
	f.chanState = transport.ChannelClosed
	f.closes++
	return nil
}

func (f *fakeTransport) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

type fakeIssuer struct {
	mu      sync.Mutex
	issued  int
	revoked int
	err     error
}

func (f *fakeIssuer) Issue(_ context.Context, sessionID, _, _ string) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return credential.Credential{}, f.err
	}
	f.issued++
	return credential.Credential{
		SessionID: sessionID,
		Secret:    "ek_test",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
		Active:    true,
	}, nil
}

func (f *fakeIssuer) Revoke(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked++
}

func (f *fakeIssuer) issuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}

func (f *fakeIssuer) revokedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked
}

func newTestCoordinator(t *testing.T, tr *fakeTransport, issuer *fakeIssuer) (*Coordinator, *session.Manager, history.Store) {
	t.Helper()
	personas, err := persona.NewRegistry(persona.Defaults()...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	sessions := session.NewManager(time.Minute, 50)
	rec := sessions.Create("sales", "alloy")
	store := history.NewInMemoryStore(100)
	c := New(Options{
		SessionID:    rec.ID,
		Model:        "gpt-4o-realtime-preview-2024-12-17",
		Personas:     personas,
		Transport:    tr,
		Credentials:  issuer,
		Sessions:     sessions,
		Store:        store,
		RetryEnabled: true,
		RetryBackoff: time.Millisecond,
	})
	if err := c.Connect(context.Background(), "sales"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c, sessions, store
}

func TestSwitchSameVoiceStaysInPlace(t *testing.T) {
	tr := newFakeTransport()
	c, sessions, store := newTestCoordinator(t, tr, &fakeIssuer{})

	// sales and payment share a voice: the channel must survive.
	rec, err := c.SwitchTo(context.Background(), "payment", "checkout")
	if err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}
	if rec.Strategy != history.StrategyInPlace || !rec.Succeeded {
		t.Fatalf("record = %+v", rec)
	}

	opens, closes := tr.counts()
	if opens != 1 || closes != 0 {
		t.Fatalf("opens=%d closes=%d, want the original connection untouched", opens, closes)
	}

	sess, _ := sessions.Get(c.SessionID())
	if sess.PersonaID != "payment" || sess.Counters.Switches != 1 || sess.Counters.Reconnects != 0 {
		t.Fatalf("session = %+v", sess)
	}

	switches, _ := store.SwitchesFor(context.Background(), c.SessionID(), 0)
	if len(switches) != 1 || switches[0].FromPersona != "sales" || switches[0].ToPersona != "payment" {
		t.Fatalf("switch log = %+v", switches)
	}
}

func TestSwitchDifferentVoiceReconnects(t *testing.T) {
	tr := newFakeTransport()
	issuer := &fakeIssuer{}
	c, sessions, _ := newTestCoordinator(t, tr, issuer)

	// support uses a different voice: exactly one teardown, one fresh connect.
	rec, err := c.SwitchTo(context.Background(), "support", "escalation")
	if err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}
	if rec.Strategy != history.StrategyReconnect || !rec.Succeeded {
		t.Fatalf("record = %+v", rec)
	}

	opens, closes := tr.counts()
	if opens != 2 || closes != 1 {
		t.Fatalf("opens=%d closes=%d, want 2/1", opens, closes)
	}
	if issuer.issuedCount() != 2 {
		t.Fatalf("credentials issued = %d, want a fresh one for the reconnect", issuer.issuedCount())
	}

	sess, _ := sessions.Get(c.SessionID())
	if sess.PersonaID != "support" || sess.Counters.Reconnects != 1 {
		t.Fatalf("session = %+v", sess)
	}
}

func TestSwitchUnknownPersonaRecordsFailure(t *testing.T) {
	tr := newFakeTransport()
	c, _, store := newTestCoordinator(t, tr, &fakeIssuer{})

	_, err := c.SwitchTo(context.Background(), "concierge", "typo")
	if !errors.Is(err, persona.ErrUnknownPersona) {
		t.Fatalf("err = %v, want ErrUnknownPersona", err)
	}

	switches, _ := store.SwitchesFor(context.Background(), c.SessionID(), 0)
	if len(switches) != 1 || switches[0].Succeeded || switches[0].Error == "" {
		t.Fatalf("switch log = %+v", switches)
	}
	if opens, closes := tr.counts(); opens != 1 || closes != 0 {
		t.Fatalf("transport touched for unknown persona: opens=%d closes=%d", opens, closes)
	}
}

func TestSwitchReentrancyGuard(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestCoordinator(t, tr, &fakeIssuer{})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	tr.mu.Lock()
	tr.blockSend = release
	tr.sendEntered = entered
	tr.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.SwitchTo(context.Background(), "payment", "checkout")
		firstDone <- err
	}()

	// Wait until the first switch is blocked inside Send.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first switch never reached the transport")
	}

	if _, err := c.SwitchTo(context.Background(), "payment", "again"); !errors.Is(err, ErrSwitchInFlight) {
		t.Fatalf("concurrent switch error = %v, want ErrSwitchInFlight", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first switch error = %v", err)
	}

	// Guard released after completion.
	if _, err := c.SwitchTo(context.Background(), "sales", "back"); err != nil {
		t.Fatalf("switch after completion error = %v", err)
	}
}

func TestInPlaceRetrySucceedsWithoutReconnect(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestCoordinator(t, tr, &fakeIssuer{})

	tr.mu.Lock()
	tr.failSends = 1
	tr.mu.Unlock()

	rec, err := c.SwitchTo(context.Background(), "payment", "checkout")
	if err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}
	if rec.Strategy != history.StrategyInPlace {
		t.Fatalf("strategy = %q, want IN_PLACE after a successful retry", rec.Strategy)
	}
	if opens, closes := tr.counts(); opens != 1 || closes != 0 {
		t.Fatalf("retry escalated to reconnect: opens=%d closes=%d", opens, closes)
	}
}

func TestInPlaceFailureFallsBackToReconnect(t *testing.T) {
	tr := newFakeTransport()
	c, _, store := newTestCoordinator(t, tr, &fakeIssuer{})

	tr.mu.Lock()
	tr.failSends = 2 // first attempt and the retry
	tr.mu.Unlock()

	rec, err := c.SwitchTo(context.Background(), "payment", "checkout")
	if err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}
	if rec.Strategy != history.StrategyReconnect || !rec.Succeeded {
		t.Fatalf("record = %+v, want successful RECONNECT fallback", rec)
	}
	if opens, closes := tr.counts(); opens != 2 || closes != 1 {
		t.Fatalf("opens=%d closes=%d, want full reconnect", opens, closes)
	}

	switches, _ := store.SwitchesFor(context.Background(), c.SessionID(), 0)
	if len(switches) != 1 || switches[0].Strategy != history.StrategyReconnect {
		t.Fatalf("recorded strategy = %+v, want the one actually used", switches)
	}
}

func TestSwitchOnDeadTransportReconnects(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestCoordinator(t, tr, &fakeIssuer{})

	_ = tr.Close()

	rec, err := c.SwitchTo(context.Background(), "payment", "recover")
	if err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}
	if rec.Strategy != history.StrategyReconnect {
		t.Fatalf("strategy = %q, want RECONNECT on a dead transport", rec.Strategy)
	}
}

func TestEndTerminatesAndRevokes(t *testing.T) {
	tr := newFakeTransport()
	issuer := &fakeIssuer{}
	c, sessions, _ := newTestCoordinator(t, tr, issuer)

	if err := c.End(session.ReasonUserAction); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	sess, _ := sessions.Get(c.SessionID())
	if sess.Status != session.StatusTerminated || sess.Reason != session.ReasonUserAction {
		t.Fatalf("session = %+v", sess)
	}
	if issuer.revokedCount() == 0 {
		t.Fatalf("credential not revoked on End")
	}

	// Second End keeps the first reason.
	_ = c.End(session.ReasonShutdown)
	sess, _ = sessions.Get(c.SessionID())
	if sess.Reason != session.ReasonUserAction {
		t.Fatalf("reason = %q, want first reason kept", sess.Reason)
	}
}
