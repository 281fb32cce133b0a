package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/history"
	"github.com/andres-ax/voicecart/internal/ingest"
	"github.com/andres-ax/voicecart/internal/protocol"
)

func orderDef() protocol.ToolDefinition {
	return protocol.ToolDefinition{Name: "order", Description: "Place the confirmed cart as an order."}
}

func newTestRegistry(store history.Store) *Registry {
	return NewRegistry(Options{Store: store, Timeout: time.Second})
}

func req(name, callID, rawArgs, persona string) ingest.FunctionCallRequest {
	return ingest.FunctionCallRequest{
		CallID:        callID,
		Name:          name,
		RawArguments:  rawArgs,
		SourcePersona: persona,
		ReceivedAt:    time.Now(),
	}
}

func TestDispatchSuccess(t *testing.T) {
	store := history.NewInMemoryStore(10)
	r := newTestRegistry(store)

	var gotArgs map[string]any
	err := r.Register(orderDef(), []string{"sales"}, func(_ context.Context, _ string, args map[string]any) (any, error) {
		gotArgs = args
		return map[string]any{"order_id": "ord_1"}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	raw := `{"cart":[{"menu_item":"Fries","quantity":2}],"customer_confirm":"yes"}`
	res := r.Dispatch(context.Background(), "s1", req("order", "call_1", raw, "sales"))

	if !res.Success {
		t.Fatalf("Dispatch failed: %+v", res)
	}
	if res.CallID != "call_1" || res.ErrorCode != "" {
		t.Fatalf("result = %+v", res)
	}
	if gotArgs["customer_confirm"] != "yes" {
		t.Fatalf("handler args = %v", gotArgs)
	}

	records, err := store.CallsFor(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("CallsFor() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if !rec.Success || rec.FunctionName != "order" || rec.PersonaID != "sales" || rec.CallID != "call_1" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ExecutionTimeMS < 0 {
		t.Fatalf("ExecutionTimeMS = %v", rec.ExecutionTimeMS)
	}
}

func TestDispatchUnregisteredFunction(t *testing.T) {
	store := history.NewInMemoryStore(10)
	r := newTestRegistry(store)

	res := r.Dispatch(context.Background(), "s1", req("refund", "c1", "{}", "sales"))
	if res.Success {
		t.Fatalf("unregistered function succeeded")
	}
	if res.ErrorCode != string(fault.CodeNotFound) {
		t.Fatalf("ErrorCode = %q, want not_found", res.ErrorCode)
	}

	records, _ := store.CallsFor(context.Background(), "s1", 0)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("failure not recorded: %+v", records)
	}
}

func TestDispatchMissingCallID(t *testing.T) {
	store := history.NewInMemoryStore(10)
	r := newTestRegistry(store)
	called := false
	_ = r.Register(orderDef(), nil, func(context.Context, string, map[string]any) (any, error) {
		called = true
		return "ok", nil
	})

	res := r.Dispatch(context.Background(), "s1", req("order", "", "{}", "sales"))
	if res.Success {
		t.Fatalf("call without a call id succeeded")
	}
	if res.ErrorCode != string(fault.CodeParse) {
		t.Fatalf("ErrorCode = %q, want %s", res.ErrorCode, fault.CodeParse)
	}
	if called {
		t.Fatalf("handler ran for an uncorrelatable call")
	}

	records, _ := store.CallsFor(context.Background(), "s1", 0)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("failure not recorded: %+v", records)
	}
}

func TestDispatchPersonaScope(t *testing.T) {
	r := newTestRegistry(history.NewInMemoryStore(10))
	_ = r.Register(protocol.ToolDefinition{Name: "confirm_order"}, []string{"payment"}, func(context.Context, string, map[string]any) (any, error) {
		return "ok", nil
	})

	res := r.Dispatch(context.Background(), "s1", req("confirm_order", "c1", "{}", "sales"))
	if res.Success || res.ErrorCode != string(fault.CodeAuth) {
		t.Fatalf("result = %+v, want auth_error", res)
	}

	res = r.Dispatch(context.Background(), "s1", req("confirm_order", "c2", "{}", "payment"))
	if !res.Success {
		t.Fatalf("allowed persona rejected: %+v", res)
	}
}

func TestDispatchUnparseableArguments(t *testing.T) {
	r := newTestRegistry(history.NewInMemoryStore(10))
	called := false
	_ = r.Register(orderDef(), []string{"sales"}, func(context.Context, string, map[string]any) (any, error) {
		called = true
		return nil, nil
	})

	res := r.Dispatch(context.Background(), "s1", req("order", "c1", `{"menu_item": "Fries", "quantity": 2`, "sales"))
	if res.Success || res.ErrorCode != string(fault.CodeParse) {
		t.Fatalf("result = %+v, want parse_error", res)
	}
	if called {
		t.Fatalf("handler ran on unparseable arguments")
	}
	wrapper, ok := res.Data.(map[string]any)
	if !ok || wrapper["raw"] == nil {
		t.Fatalf("Data = %v, want raw-preserving wrapper", res.Data)
	}
}

func TestDispatchHandlerTimeout(t *testing.T) {
	r := NewRegistry(Options{Store: history.NewInMemoryStore(10), Timeout: 20 * time.Millisecond})
	_ = r.Register(protocol.ToolDefinition{Name: "slow"}, []string{"sales"}, func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := r.Dispatch(context.Background(), "s1", req("slow", "c1", "{}", "sales"))
	if res.Success || res.ErrorCode != string(fault.CodeTimeout) {
		t.Fatalf("result = %+v, want timeout", res)
	}
}

func TestDispatchHandlerFaultCode(t *testing.T) {
	r := newTestRegistry(history.NewInMemoryStore(10))
	_ = r.Register(protocol.ToolDefinition{Name: "order_status"}, []string{"support"}, func(context.Context, string, map[string]any) (any, error) {
		return nil, fault.New(fault.CodeNotFound, "orders", "no such order")
	})

	res := r.Dispatch(context.Background(), "s1", req("order_status", "c1", `{"order_id":"zzz"}`, "support"))
	if res.Success || res.ErrorCode != string(fault.CodeNotFound) {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchBatchSequentialAndAggregated(t *testing.T) {
	r := newTestRegistry(history.NewInMemoryStore(10))
	var mu sync.Mutex
	var order []string
	handler := func(name string, fail bool) Handler {
		return func(context.Context, string, map[string]any) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if fail {
				return nil, errors.New("boom")
			}
			return name, nil
		}
	}
	_ = r.Register(protocol.ToolDefinition{Name: "a"}, []string{"sales"}, handler("a", false))
	_ = r.Register(protocol.ToolDefinition{Name: "b"}, []string{"sales"}, handler("b", true))
	_ = r.Register(protocol.ToolDefinition{Name: "c"}, []string{"sales"}, handler("c", false))

	results, ok := r.DispatchBatch(context.Background(), "s1", []ingest.FunctionCallRequest{
		req("a", "c1", "{}", "sales"),
		req("b", "c2", "{}", "sales"),
		req("c", "c3", "{}", "sales"),
	})
	if ok {
		t.Fatalf("batch with a failing call reported overall success")
	}
	if len(results) != 3 || !results[0].Success || results[1].Success || !results[2].Success {
		t.Fatalf("results = %+v", results)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("execution order = %v", order)
	}
}

func TestAvailableForFiltersByPersona(t *testing.T) {
	r := newTestRegistry(history.NewInMemoryStore(10))
	noop := func(context.Context, string, map[string]any) (any, error) { return nil, nil }
	_ = r.Register(protocol.ToolDefinition{Name: "order"}, []string{"sales"}, noop)
	_ = r.Register(protocol.ToolDefinition{Name: "update_cart"}, []string{"sales"}, noop)
	_ = r.Register(protocol.ToolDefinition{Name: "confirm_order"}, []string{"payment"}, noop)

	defs := r.AvailableFor("sales")
	if len(defs) != 2 || defs[0].Name != "order" || defs[1].Name != "update_cart" {
		t.Fatalf("AvailableFor(sales) = %+v", defs)
	}
	if got := r.AvailableFor("support"); len(got) != 0 {
		t.Fatalf("AvailableFor(support) = %+v", got)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(history.NewInMemoryStore(10))
	noop := func(context.Context, string, map[string]any) (any, error) { return nil, nil }
	if err := r.Register(orderDef(), []string{"sales"}, noop); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(orderDef(), []string{"payment"}, noop); err == nil {
		t.Fatalf("duplicate Register() accepted")
	}
}

func TestDispatchPublishesToBuses(t *testing.T) {
	var (
		mu        sync.Mutex
		published []Result
		applied   []string
	)
	r := NewRegistry(Options{
		Store: history.NewInMemoryStore(10),
		Commands: CommandFunc(func(_ context.Context, _ string, function string, _ map[string]any, _ any) {
			mu.Lock()
			applied = append(applied, function)
			mu.Unlock()
		}),
		Events: PresentationFunc(func(_ string, res Result) {
			mu.Lock()
			published = append(published, res)
			mu.Unlock()
		}),
	})
	_ = r.Register(orderDef(), []string{"sales"}, func(context.Context, string, map[string]any) (any, error) {
		return "placed", nil
	})

	r.Dispatch(context.Background(), "s1", req("order", "c1", "{}", "sales"))
	r.Dispatch(context.Background(), "s1", req("missing", "c2", "{}", "sales"))

	if len(applied) != 1 || applied[0] != "order" {
		t.Fatalf("command bus applied = %v, want only the successful call", applied)
	}
	if len(published) != 2 {
		t.Fatalf("presentation bus got %d results, want both outcomes", len(published))
	}
}
