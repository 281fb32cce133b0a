package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/andres-ax/voicecart/internal/config"
	"github.com/andres-ax/voicecart/internal/coordinator"
	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/dispatch"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/httpapi"
	"github.com/andres-ax/voicecart/internal/ingest"
	"github.com/andres-ax/voicecart/internal/observability"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/session"
	"github.com/andres-ax/voicecart/internal/transport"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Service  *coordinator.Service
	Dispatch *dispatch.Registry
	Metrics  *observability.Metrics
	Store    history.Store

	// Cleanup should be called on shutdown to release external resources
	// (live sessions, credential timers, DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetStageWindowSize(cfg.PerfWindowSize)

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.CallHistoryCap)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	personas, err := persona.NewRegistry(persona.Defaults()...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("persona registry init failed: %w", err)
	}
	if !personas.Has(cfg.DefaultPersonaID) {
		_ = store.Close()
		return nil, fmt.Errorf("default persona %q not registered (available: %s)",
			cfg.DefaultPersonaID, strings.Join(personas.IDs(), ", "))
	}

	sessions := session.NewManager(cfg.SessionIdleTimeout, cfg.ConversationLogCap)

	broker := credential.NewBroker(credential.Config{
		BaseURL:     cfg.UpstreamBaseURL,
		APIKey:      cfg.UpstreamAPIKey,
		TTL:         cfg.CredentialTTL,
		MaxSessions: cfg.MaxConcurrentSessions,
	})

	registry := dispatch.NewRegistry(dispatch.Options{
		Store:   store,
		Metrics: metrics,
		Timeout: cfg.DispatchTimeout,
	})
	if err := registerOrderingFunctions(registry, personas); err != nil {
		broker.Close()
		_ = store.Close()
		return nil, fmt.Errorf("function registration failed: %w", err)
	}

	// The call router closes the loop: normalized calls go through the
	// dispatch registry and the result returns upstream as a
	// function_call_output item. Bound late because the service needs the
	// pipeline first.
	router := &callRouter{dispatch: registry}
	pipeline := ingest.NewPipeline(sessions, metrics, router, ingest.SinkFunc(func(string, []byte) {}))

	service := coordinator.NewService(coordinator.ServiceOptions{
		Model:        cfg.RealtimeModel,
		Personas:     personas,
		Tools:        registry,
		Credentials:  broker,
		Sessions:     sessions,
		Store:        store,
		Metrics:      metrics,
		Processor:    pipeline,
		NewTransport: transportFactory(cfg),
		RetryEnabled: cfg.SwitchRetryEnabled,
		RetryBackoff: cfg.SwitchRetryBackoff,
	})
	router.service = service

	broker.SetExpireHook(service.HandleCredentialExpiry)
	sessions.SetExpireHook(func(r *session.Record) {
		service.HandleIdleTimeout(r.ID)
	})
	sessions.StartJanitor(ctx, cfg.JanitorInterval)

	api := httpapi.New(cfg, service, sessions, personas, store, metrics)

	cleanup := func() error {
		var errs []string
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err.Error())
		}
		broker.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Service:  service,
		Dispatch: registry,
		Metrics:  metrics,
		Store:    store,
		Cleanup:  cleanup,
	}, nil
}

func transportFactory(cfg config.Config) coordinator.TransportFactory {
	return func(onState func(transport.State)) coordinator.Transport {
		var dialer transport.Dialer
		switch cfg.TransportMode {
		case "sdp":
			dialer = &transport.SDPDialer{BaseURL: cfg.UpstreamBaseURL, Model: cfg.RealtimeModel}
		default:
			dialer = &transport.WebsocketDialer{BaseURL: cfg.UpstreamBaseURL, Model: cfg.RealtimeModel}
		}
		return transport.NewSession(transport.Options{
			Dialer: dialer,
			Media: &transport.SimulatedMediaSource{
				SampleRate:  cfg.AudioSampleRate,
				FrameMillis: cfg.AudioFrameMillis,
			},
			Sink:    transport.NullPlaybackSink{},
			OnState: onState,
		})
	}
}
