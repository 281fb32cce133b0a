// Command dispatchprobe exercises the session API of a running voicecart
// instance: it creates a session, cycles persona switches against it, then
// prints the rolling stage-latency snapshot so switch and dispatch timings
// can be eyeballed without scraping /metrics.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andres-ax/voicecart/internal/observability"
)

type options struct {
	baseURL     string
	personaID   string
	cycle       []string
	switches    int
	interDelay  time.Duration
	httpTimeout time.Duration
	keepSession bool
	verbose     bool
}

type createSessionRequest struct {
	PersonaID string `json:"persona_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	PersonaID string `json:"persona_id"`
	VoiceID   string `json:"voice_id"`
	IdleTTLMS int64  `json:"idle_ttl_ms"`
}

type switchRequest struct {
	PersonaID string `json:"persona_id"`
	Reason    string `json:"reason"`
}

type switchResponse struct {
	FromPersona string `json:"from_persona"`
	ToPersona   string `json:"to_persona"`
	Strategy    string `json:"strategy"`
	Succeeded   bool   `json:"succeeded"`
	Error       string `json:"error,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var cycleRaw string
	var interDelayMS int
	var httpTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicecart base URL")
	flag.StringVar(&cfg.personaID, "persona-id", "sales", "persona_id for the initial session")
	flag.StringVar(&cycleRaw, "cycle", "payment,support,sales", "comma-separated persona_ids to switch through")
	flag.IntVar(&cfg.switches, "switches", 6, "number of persona switches to perform")
	flag.IntVar(&interDelayMS, "inter-switch-ms", 250, "delay between switches in milliseconds")
	flag.IntVar(&httpTimeoutMS, "http-timeout-ms", 15000, "per-request HTTP timeout in milliseconds")
	flag.BoolVar(&cfg.keepSession, "keep-session", false, "leave the session open instead of ending it")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print switch progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.personaID) == "" {
		return options{}, fmt.Errorf("persona-id is required")
	}
	if cfg.switches < 0 {
		return options{}, fmt.Errorf("switches must be >= 0")
	}
	if interDelayMS < 0 {
		interDelayMS = 0
	}
	if httpTimeoutMS < 1000 {
		httpTimeoutMS = 1000
	}
	cfg.interDelay = time.Duration(interDelayMS) * time.Millisecond
	cfg.httpTimeout = time.Duration(httpTimeoutMS) * time.Millisecond

	for _, part := range strings.Split(cycleRaw, ",") {
		p := strings.TrimSpace(part)
		if p != "" {
			cfg.cycle = append(cfg.cycle, p)
		}
	}
	if cfg.switches > 0 && len(cfg.cycle) == 0 {
		return options{}, fmt.Errorf("cycle produced no non-empty persona_ids")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.httpTimeout}
	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !cfg.keepSession {
		defer func() {
			_ = endSession(context.Background(), httpClient, cfg.baseURL, created.SessionID)
		}()
	}

	if cfg.verbose {
		fmt.Printf("dispatchprobe: session=%s persona=%s voice=%s idle_ttl_ms=%d\n",
			created.SessionID, created.PersonaID, created.VoiceID, created.IdleTTLMS)
	}

	for i := 0; i < cfg.switches; i++ {
		target := cfg.cycle[i%len(cfg.cycle)]
		started := time.Now()
		res, err := switchPersona(ctx, httpClient, cfg.baseURL, created.SessionID, target)
		if err != nil {
			return fmt.Errorf("switch %d to %s: %w", i+1, target, err)
		}
		if cfg.verbose {
			status := "ok"
			if !res.Succeeded {
				status = "failed: " + res.Error
			}
			fmt.Printf("dispatchprobe: switch %d %s->%s strategy=%s elapsed=%s %s\n",
				i+1, res.FromPersona, res.ToPersona, res.Strategy, time.Since(started).Round(time.Millisecond), status)
		}
		if cfg.interDelay > 0 && i < cfg.switches-1 {
			time.Sleep(cfg.interDelay)
		}
	}

	snap, err := fetchSnapshot(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch perf snapshot: %w", err)
	}
	printSnapshot(os.Stdout, snap)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (createSessionResponse, error) {
	body, err := json.Marshal(createSessionRequest{PersonaID: cfg.personaID})
	if err != nil {
		return createSessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return createSessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return createSessionResponse{}, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return createSessionResponse{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return createSessionResponse{}, err
	}
	if out.SessionID == "" {
		return createSessionResponse{}, fmt.Errorf("response missing session_id")
	}
	return out, nil
}

func switchPersona(ctx context.Context, client *http.Client, baseURL, sessionID, personaID string) (switchResponse, error) {
	body, err := json.Marshal(switchRequest{PersonaID: personaID, Reason: "probe"})
	if err != nil {
		return switchResponse{}, err
	}
	url := fmt.Sprintf("%s/v1/sessions/%s/switch", baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return switchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return switchResponse{}, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return switchResponse{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var out switchResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return switchResponse{}, err
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	url := fmt.Sprintf("%s/v1/sessions/%s/end", baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(`{"reason":"user_action"}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func fetchSnapshot(ctx context.Context, client *http.Client, baseURL string) (observability.StageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/dispatch", nil)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return observability.StageSnapshot{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var snap observability.StageSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return observability.StageSnapshot{}, err
	}
	return snap, nil
}

func printSnapshot(w io.Writer, snap observability.StageSnapshot) {
	fmt.Fprintf(w, "dispatchprobe: snapshot window=%d stages=%d\n", snap.WindowSize, len(snap.Stages))
	for _, st := range snap.Stages {
		fmt.Fprintf(w, "  %-24s samples=%-4d last=%.1fms avg=%.1fms p50=%.1fms p95=%.1fms p99=%.1fms\n",
			st.Stage, st.Samples, st.LastMS, st.AvgMS, st.P50MS, st.P95MS, st.P99MS)
	}
	for _, ind := range snap.Indicators {
		fmt.Fprintf(w, "  indicator %s=%d\n", ind.Name, ind.Count)
	}
}
