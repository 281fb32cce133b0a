package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/reliability"
)

// Credential is a minutes-scoped secret authorizing exactly one realtime
// session. The secret is bearer material; it must never be logged.
// UpstreamSessionID is the id the credential endpoint assigned; it can
// differ from the local SessionID and is what upstream support tickets
// reference.
type Credential struct {
	SessionID         string
	UpstreamSessionID string
	Secret            string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	Active            bool
}

func (c Credential) TTL() time.Duration {
	return time.Until(c.ExpiresAt)
}

type Config struct {
	BaseURL     string
	APIKey      string
	TTL         time.Duration
	MaxSessions int
	HTTPClient  *http.Client
}

// Broker issues and expires ephemeral credentials against the upstream
// credential endpoint. At most one active credential exists per session;
// re-issuing revokes the previous one.
type Broker struct {
	baseURL     string
	apiKey      string
	ttl         time.Duration
	maxSessions int
	client      *http.Client

	mu       sync.Mutex
	active   map[string]*entry
	onExpire func(Credential)
	closed   bool
}

type entry struct {
	cred  Credential
	timer *time.Timer
}

func NewBroker(cfg Config) *Broker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 8
	}
	return &Broker{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      cfg.APIKey,
		ttl:         ttl,
		maxSessions: maxSessions,
		client:      client,
		active:      make(map[string]*entry),
	}
}

// SetExpireHook registers the callback run when a credential's expiry timer
// fires. The hook runs outside the broker lock.
func (b *Broker) SetExpireHook(hook func(Credential)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExpire = hook
}

type issueRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type issueResponse struct {
	SessionID string `json:"sessionId"`
	Secret    string `json:"secret"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Issue requests a time-boxed secret for sessionID. Rejection by the
// upstream maps to an auth fault; the concurrent-session cap is enforced
// locally and maps to a capacity fault.
func (b *Broker) Issue(ctx context.Context, sessionID, model, voice string) (Credential, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Credential{}, fault.New(fault.CodeAuth, "credential", "broker closed")
	}
	count := len(b.active)
	if _, exists := b.active[sessionID]; exists {
		// Re-issue for the same session does not consume a second slot.
		count--
	}
	if count >= b.maxSessions {
		b.mu.Unlock()
		return Credential{}, fault.New(fault.CodeCapacity, "credential",
			fmt.Sprintf("maximum of %d concurrent sessions reached", b.maxSessions))
	}
	b.mu.Unlock()

	payload, err := json.Marshal(issueRequest{Model: model, Voice: voice})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("create credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return Credential{}, fault.Wrap(fault.CodeAuth, "credential", fmt.Errorf("credential endpoint unreachable: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		fe := fault.New(fault.CodeAuth, "credential",
			fmt.Sprintf("credential endpoint status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
		fe.Retryable = reliability.IsRetryableHTTPStatus(res.StatusCode)
		return Credential{}, fe
	}

	var decoded issueResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return Credential{}, fault.Wrap(fault.CodeAuth, "credential", fmt.Errorf("decode credential response: %w", err))
	}
	if strings.TrimSpace(decoded.Secret) == "" {
		return Credential{}, fault.New(fault.CodeAuth, "credential", "credential response missing secret")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(b.ttl)
	if decoded.ExpiresAt > 0 {
		expiresAt = time.Unix(decoded.ExpiresAt, 0).UTC()
	}
	upstreamID := strings.TrimSpace(decoded.SessionID)
	if upstreamID == "" {
		upstreamID = sessionID
	}

	cred := Credential{
		SessionID:         sessionID,
		UpstreamSessionID: upstreamID,
		Secret:            decoded.Secret,
		IssuedAt:          now,
		ExpiresAt:         expiresAt,
		Active:            true,
	}

	b.mu.Lock()
	if prev, ok := b.active[sessionID]; ok {
		prev.timer.Stop()
	}
	e := &entry{cred: cred}
	e.timer = time.AfterFunc(time.Until(expiresAt), func() { b.expire(sessionID) })
	b.active[sessionID] = e
	b.mu.Unlock()

	return cred, nil
}

func (b *Broker) expire(sessionID string) {
	b.mu.Lock()
	e, ok := b.active[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.active, sessionID)
	e.cred.Active = false
	cred := e.cred
	hook := b.onExpire
	b.mu.Unlock()

	if hook != nil {
		hook(cred)
	}
}

// Revoke stops the expiry timer and drops the credential without firing the
// expire hook. Used on caller-initiated teardown.
func (b *Broker) Revoke(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.active[sessionID]; ok {
		e.timer.Stop()
		delete(b.active, sessionID)
	}
}

func (b *Broker) Get(sessionID string) (Credential, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.active[sessionID]
	if !ok {
		return Credential{}, false
	}
	return e.cred, true
}

func (b *Broker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Close stops all pending expiry timers. No hooks fire after Close.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, e := range b.active {
		e.timer.Stop()
		delete(b.active, id)
	}
	b.onExpire = nil
}
