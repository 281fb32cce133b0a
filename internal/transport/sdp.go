package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/reliability"
)

// PeerEndpoint abstracts the peer-connection implementation behind the SDP
// exchange: it generates the local offer, applies the remote answer, and
// exposes its ordered data channel once connectivity is established.
type PeerEndpoint interface {
	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(ctx context.Context, answer string) error
	Channel() ControlChannel
	Close() error
}

// SDPDialer negotiates a peer connection through the upstream /realtime
// endpoint: the offer goes up as application/sdp with the ephemeral secret
// as bearer authorization, the response body is the raw answer.
type SDPDialer struct {
	BaseURL    string
	Model      string
	NewPeer    func(ctx context.Context) (PeerEndpoint, error)
	HTTPClient *http.Client
}

func (d *SDPDialer) Dial(ctx context.Context, cred credential.Credential, _ persona.Config) (ControlChannel, error) {
	if d.NewPeer == nil {
		return nil, fault.New(fault.CodeNegotiation, "transport", "no peer endpoint configured")
	}
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	peer, err := d.NewPeer(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("create peer: %w", err))
	}

	answer, err := d.exchange(ctx, client, cred, peer)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	if err := peer.ApplyAnswer(ctx, answer); err != nil {
		_ = peer.Close()
		return nil, fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("apply answer: %w", err))
	}

	return &peerChannel{ControlChannel: peer.Channel(), peer: peer}, nil
}

func (d *SDPDialer) exchange(ctx context.Context, client *http.Client, cred credential.Credential, peer PeerEndpoint) (string, error) {
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return "", fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("create offer: %w", err))
	}

	u := strings.TrimRight(d.BaseURL, "/") + "/realtime"
	if d.Model != "" {
		u += "?model=" + d.Model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(offer))
	if err != nil {
		return "", fault.Wrap(fault.CodeNegotiation, "transport", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+cred.Secret)

	res, err := client.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("offer exchange: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		fe := fault.New(fault.CodeNegotiation, "transport",
			fmt.Sprintf("offer exchange status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
		fe.Retryable = reliability.IsRetryableHTTPStatus(res.StatusCode)
		return "", fe
	}

	answer, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("read answer: %w", err))
	}
	if strings.TrimSpace(string(answer)) == "" {
		return "", fault.New(fault.CodeNegotiation, "transport", "empty answer body")
	}
	return string(answer), nil
}

// peerChannel ties the data channel's lifetime to its peer connection so a
// single Close tears both down.
type peerChannel struct {
	ControlChannel
	peer PeerEndpoint
}

func (c *peerChannel) Close() error {
	err := c.ControlChannel.Close()
	if perr := c.peer.Close(); err == nil {
		err = perr
	}
	return err
}
