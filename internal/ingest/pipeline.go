package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/andres-ax/voicecart/internal/observability"
	"github.com/andres-ax/voicecart/internal/policy"
	"github.com/andres-ax/voicecart/internal/protocol"
	"github.com/andres-ax/voicecart/internal/reliability"
	"github.com/andres-ax/voicecart/internal/session"
)

// FunctionCallRequest is one normalized tool invocation, regardless of
// which inbound event shape carried it.
type FunctionCallRequest struct {
	CallID        string
	Name          string
	RawArguments  string
	SourcePersona string
	ReceivedAt    time.Time
}

// CallHandler receives normalized function calls in arrival order.
type CallHandler interface {
	HandleCall(ctx context.Context, sessionID string, req FunctionCallRequest)
}

type CallHandlerFunc func(ctx context.Context, sessionID string, req FunctionCallRequest)

func (f CallHandlerFunc) HandleCall(ctx context.Context, sessionID string, req FunctionCallRequest) {
	f(ctx, sessionID, req)
}

// Sink receives every message the pipeline does not consume as a function
// call, unmodified and in arrival order.
type Sink interface {
	Forward(sessionID string, raw []byte)
}

type SinkFunc func(sessionID string, raw []byte)

func (f SinkFunc) Forward(sessionID string, raw []byte) { f(sessionID, raw) }

// Pipeline normalizes inbound realtime events into function-call requests
// and bookkeeping on the owning session record. Three shapes produce calls:
// the unified response.output_item.done item, the streaming
// function_call_arguments delta/done pair, and the legacy flat
// function_call event. Everything else passes through to the sink.
type Pipeline struct {
	sessions *session.Manager
	metrics  *observability.Metrics
	calls    CallHandler
	sink     Sink

	mu      sync.Mutex
	pending map[string]*strings.Builder
}

func NewPipeline(sessions *session.Manager, metrics *observability.Metrics, calls CallHandler, sink Sink) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		metrics:  metrics,
		calls:    calls,
		sink:     sink,
		pending:  make(map[string]*strings.Builder),
	}
}

// Process handles one inbound payload for a session. Payloads must be fed
// in arrival order; the pipeline never reorders or drops a function call.
func (p *Pipeline) Process(ctx context.Context, sessionID, personaID string, raw []byte) error {
	_ = p.sessions.Touch(sessionID)
	_ = p.sessions.CountInbound(sessionID)

	msg, err := protocol.ParseUpstreamMessage(raw)
	if errors.Is(err, protocol.ErrUnsupportedType) {
		p.count("other")
		p.forward(sessionID, raw)
		return nil
	}
	if err != nil {
		p.count("malformed")
		return fmt.Errorf("ingest: %w", err)
	}

	switch m := msg.(type) {
	case protocol.OutputItemDone:
		if m.Item.Type == "function_call" && m.Item.Name != "" {
			p.count("function_call")
			p.emit(ctx, sessionID, personaID, m.Item.Name, m.Item.CallID, m.Item.Arguments)
			return nil
		}
		p.count("output_item")
		p.forward(sessionID, raw)
	case protocol.FuncArgsDelta:
		p.count("function_delta")
		p.accumulate(sessionID, m.CallID, m.Delta)
	case protocol.FuncArgsDone:
		p.count("function_call")
		args := p.takePending(sessionID, m.CallID)
		if m.Arguments != "" {
			args = m.Arguments
		}
		p.emit(ctx, sessionID, personaID, m.Name, m.CallID, args)
	case protocol.LegacyFuncCall:
		p.count("function_call")
		p.emit(ctx, sessionID, personaID, m.Name, m.CallID, m.Arguments)
	case protocol.TranscriptDone:
		p.count("transcript")
		if m.Transcript != "" {
			_ = p.sessions.AppendConversation(sessionID, session.ConversationEntry{
				Role: "assistant",
				Text: m.Transcript,
				At:   time.Now(),
			})
		}
		p.forward(sessionID, raw)
	case protocol.UpstreamError:
		p.count("upstream_error")
		log.Printf("ingest: upstream error session=%s code=%s retryable=%t detail=%s",
			sessionID, m.Error.Code, reliability.IsRetryableUpstreamError(m.Error.Code),
			policy.SafeDetail(m.Error.Message))
		p.forward(sessionID, raw)
	case protocol.AudioDelta:
		p.count("audio")
		p.forward(sessionID, raw)
	default:
		p.count("other")
		p.forward(sessionID, raw)
	}
	return nil
}

// DropSession discards any partially accumulated argument streams for a
// session that has ended.
func (p *Pipeline) DropSession(sessionID string) {
	prefix := sessionID + "\x00"
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.pending {
		if strings.HasPrefix(key, prefix) {
			delete(p.pending, key)
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, sessionID, personaID, name, callID, rawArgs string) {
	_ = p.sessions.CountFunctionCall(sessionID)
	p.calls.HandleCall(ctx, sessionID, FunctionCallRequest{
		CallID:        callID,
		Name:          name,
		RawArguments:  rawArgs,
		SourcePersona: personaID,
		ReceivedAt:    time.Now(),
	})
}

func (p *Pipeline) accumulate(sessionID, callID, delta string) {
	key := sessionID + "\x00" + callID
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.pending[key]
	if !ok {
		buf = &strings.Builder{}
		p.pending[key] = buf
	}
	buf.WriteString(delta)
}

func (p *Pipeline) takePending(sessionID, callID string) string {
	key := sessionID + "\x00" + callID
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.pending[key]
	if !ok {
		return ""
	}
	delete(p.pending, key)
	return buf.String()
}

func (p *Pipeline) forward(sessionID string, raw []byte) {
	if p.sink != nil {
		p.sink.Forward(sessionID, raw)
	}
}

func (p *Pipeline) count(kind string) {
	if p.metrics != nil {
		p.metrics.IngestMessages.WithLabelValues(kind).Inc()
	}
}
