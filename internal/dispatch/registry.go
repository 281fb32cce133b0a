package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/ingest"
	"github.com/andres-ax/voicecart/internal/observability"
	"github.com/andres-ax/voicecart/internal/policy"
	"github.com/andres-ax/voicecart/internal/protocol"
)

const defaultDispatchTimeout = 10 * time.Second

// Handler executes one function call with already-parsed arguments.
type Handler func(ctx context.Context, sessionID string, args map[string]any) (any, error)

// Result is the outcome of a single dispatch, returned to the caller and
// sent back upstream as the function call output.
type Result struct {
	CallID          string  `json:"call_id"`
	Function        string  `json:"function"`
	Success         bool    `json:"success"`
	Data            any     `json:"data,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

type registration struct {
	def     protocol.ToolDefinition
	allowed map[string]struct{}
	handler Handler
}

// Options configures a Registry. Store is required; the buses and metrics
// are optional collaborators.
type Options struct {
	Store    history.Store
	Metrics  *observability.Metrics
	Commands CommandBus
	Events   PresentationBus
	Timeout  time.Duration
}

// Registry routes normalized function calls to registered handlers,
// enforcing per-persona allowlists regardless of what the model asked for.
type Registry struct {
	store    history.Store
	metrics  *observability.Metrics
	commands CommandBus
	events   PresentationBus
	timeout  time.Duration

	mu     sync.RWMutex
	byName map[string]*registration
}

func NewRegistry(opts Options) *Registry {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Registry{
		store:    opts.Store,
		metrics:  opts.Metrics,
		commands: opts.Commands,
		events:   opts.Events,
		timeout:  timeout,
		byName:   make(map[string]*registration),
	}
}

// Register adds a function under its definition name. Names are unique;
// allowedPersonas is the complete allowlist, an empty list registers a
// function no persona can call.
func (r *Registry) Register(def protocol.ToolDefinition, allowedPersonas []string, h Handler) error {
	if def.Name == "" {
		return errors.New("dispatch: function name required")
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %q", def.Name)
	}
	if def.Type == "" {
		def.Type = "function"
	}
	allowed := make(map[string]struct{}, len(allowedPersonas))
	for _, p := range allowedPersonas {
		allowed[p] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("dispatch: function %q already registered", def.Name)
	}
	r.byName[def.Name] = &registration{def: def, allowed: allowed, handler: h}
	return nil
}

// AvailableFor returns the definitions callable by the given persona, in
// name order, for advertisement in session.update.
func (r *Registry) AvailableFor(personaID string) []protocol.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []protocol.ToolDefinition
	for _, reg := range r.byName {
		if _, ok := reg.allowed[personaID]; ok {
			defs = append(defs, reg.def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch runs one call to completion. It never panics and never returns
// an error: every failure mode is a Result with Success=false, so the
// outcome can always be reported back upstream.
func (r *Registry) Dispatch(ctx context.Context, sessionID string, req ingest.FunctionCallRequest) Result {
	start := time.Now()
	res := Result{CallID: req.CallID, Function: req.Name}

	reg := r.lookup(req.Name)
	args, parsed := ingest.ParseArguments(req.RawArguments, req.Name)

	switch {
	case req.Name == "":
		res.ErrorCode = string(fault.CodeParse)
		res.Error = "function call without a name"
	case req.CallID == "":
		// The upstream correlates function_call_output by call id; a call
		// without one can never be answered.
		res.ErrorCode = string(fault.CodeParse)
		res.Error = fmt.Sprintf("function call %q without a call id", req.Name)
	case reg == nil:
		res.ErrorCode = string(fault.CodeNotFound)
		res.Error = fmt.Sprintf("function %q is not registered", req.Name)
	case !reg.allowedFor(req.SourcePersona):
		res.ErrorCode = string(fault.CodeAuth)
		res.Error = fmt.Sprintf("function %q is not available to persona %q", req.Name, req.SourcePersona)
	case !parsed:
		res.ErrorCode = string(fault.CodeParse)
		res.Error = "arguments could not be parsed"
		res.Data = args
		if r.metrics != nil {
			r.metrics.ObserveIndicator("unparseable_arguments")
		}
	default:
		r.execute(ctx, sessionID, reg, args, &res)
	}

	res.ExecutionTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	r.finish(ctx, sessionID, req, args, res)
	return res
}

// DispatchBatch runs calls sequentially in the given order. Partial
// failures do not stop the batch; overall success requires every call to
// succeed.
func (r *Registry) DispatchBatch(ctx context.Context, sessionID string, reqs []ingest.FunctionCallRequest) ([]Result, bool) {
	results := make([]Result, 0, len(reqs))
	ok := true
	for _, req := range reqs {
		res := r.Dispatch(ctx, sessionID, req)
		if !res.Success {
			ok = false
		}
		results = append(results, res)
	}
	return results, ok
}

func (r *Registry) lookup(name string) *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (reg *registration) allowedFor(personaID string) bool {
	_, ok := reg.allowed[personaID]
	return ok
}

func (r *Registry) execute(ctx context.Context, sessionID string, reg *registration, args map[string]any, res *Result) {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := reg.handler(execCtx, sessionID, args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			res.ErrorCode = string(fault.CodeTimeout)
		case fault.CodeOf(err) != "":
			res.ErrorCode = string(fault.CodeOf(err))
		}
		res.Error = policy.SafeDetail(err.Error())
		return
	}
	res.Success = true
	res.Data = data
}

func (r *Registry) finish(ctx context.Context, sessionID string, req ingest.FunctionCallRequest, args map[string]any, res Result) {
	outcome := "error"
	if res.Success {
		outcome = "ok"
	}
	if r.metrics != nil {
		r.metrics.FunctionCalls.WithLabelValues(req.Name, outcome).Inc()
		r.metrics.ObserveDispatchLatency(time.Duration(res.ExecutionTimeMS * float64(time.Millisecond)))
	}
	if r.store != nil {
		record := history.FunctionCallRecord{
			ID:              uuid.NewString(),
			SessionID:       sessionID,
			CallID:          req.CallID,
			FunctionName:    req.Name,
			Arguments:       req.RawArguments,
			Result:          marshalResultData(res),
			Success:         res.Success,
			ErrorCode:       res.ErrorCode,
			ExecutionTimeMS: res.ExecutionTimeMS,
			PersonaID:       req.SourcePersona,
			CreatedAt:       time.Now().UTC(),
		}
		if err := r.store.SaveCall(ctx, record); err != nil {
			log.Printf("dispatch: save call record %s: %v", req.CallID, err)
		}
	}
	if res.Success && r.commands != nil {
		r.commands.Apply(ctx, sessionID, req.Name, args, res.Data)
	}
	if r.events != nil {
		r.events.Publish(sessionID, res)
	}
}

func marshalResultData(res Result) string {
	if !res.Success {
		return res.Error
	}
	if res.Data == nil {
		return ""
	}
	b, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Sprintf("%v", res.Data)
	}
	return string(b)
}
