package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseUpstreamMessageOutputItemDone(t *testing.T) {
	raw := []byte(`{"type":"response.output_item.done","item":{"type":"function_call","name":"order","call_id":"call_1","arguments":"{\"customer_confirm\":\"yes\"}"}}`)
	msg, err := ParseUpstreamMessage(raw)
	if err != nil {
		t.Fatalf("ParseUpstreamMessage() error = %v", err)
	}
	done, ok := msg.(OutputItemDone)
	if !ok {
		t.Fatalf("type = %T, want OutputItemDone", msg)
	}
	if done.Item.Name != "order" || done.Item.CallID != "call_1" {
		t.Fatalf("unexpected item: %+v", done.Item)
	}
}

func TestParseUpstreamMessageDeltaRequiresCallID(t *testing.T) {
	raw := []byte(`{"type":"response.function_call_arguments.delta","delta":"{\"qty\""}`)
	if _, err := ParseUpstreamMessage(raw); err == nil {
		t.Fatalf("delta without call_id should be rejected")
	}
}

func TestParseUpstreamMessageLegacy(t *testing.T) {
	raw := []byte(`{"type":"function_call","name":"order","call_id":"c9","arguments":"{}"}`)
	msg, err := ParseUpstreamMessage(raw)
	if err != nil {
		t.Fatalf("ParseUpstreamMessage() error = %v", err)
	}
	if _, ok := msg.(LegacyFuncCall); !ok {
		t.Fatalf("type = %T, want LegacyFuncCall", msg)
	}
}

func TestParseUpstreamMessageUnknownType(t *testing.T) {
	raw := []byte(`{"type":"response.created"}`)
	_, err := ParseUpstreamMessage(raw)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestParseUpstreamMessageBadEnvelope(t *testing.T) {
	if _, err := ParseUpstreamMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("malformed envelope should error")
	}
}

func TestSessionUpdateMarshalShape(t *testing.T) {
	msg := NewSessionUpdate(SessionPatch{
		Instructions: "be brief",
		Tools: []ToolDefinition{
			{Type: "function", Name: "order"},
		},
		ToolChoice: "auto",
	})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if decoded["type"] != "session.update" {
		t.Fatalf("type = %v, want session.update", decoded["type"])
	}
	sess, ok := decoded["session"].(map[string]any)
	if !ok {
		t.Fatalf("session payload missing: %v", decoded)
	}
	if sess["tool_choice"] != "auto" {
		t.Fatalf("tool_choice = %v, want auto", sess["tool_choice"])
	}
}

func TestFunctionOutputShape(t *testing.T) {
	msg := NewFunctionOutput("call_7", `{"success":true}`)
	if msg.Item.Type != "function_call_output" || msg.Item.CallID != "call_7" {
		t.Fatalf("unexpected item: %+v", msg.Item)
	}
}
