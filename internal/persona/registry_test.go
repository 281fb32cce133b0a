package persona

import (
	"errors"
	"testing"
)

func TestNewRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(); err == nil {
		t.Fatalf("empty registry should be rejected")
	}
	if _, err := NewRegistry(Config{ID: "", VoiceID: "alloy"}); err == nil {
		t.Fatalf("empty id should be rejected")
	}
	if _, err := NewRegistry(Config{ID: "a", VoiceID: ""}); err == nil {
		t.Fatalf("empty voice should be rejected")
	}
	if _, err := NewRegistry(
		Config{ID: "a", VoiceID: "alloy"},
		Config{ID: "a", VoiceID: "verse"},
	); err == nil {
		t.Fatalf("duplicate id should be rejected")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := NewRegistry(Config{ID: "sales", VoiceID: "alloy", ToolNames: []string{"order"}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	got, err := r.Get("sales")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.ToolNames[0] = "mutated"

	again, _ := r.Get("sales")
	if again.ToolNames[0] != "order" {
		t.Fatalf("registry config was mutated through a returned copy")
	}
}

func TestGetUnknown(t *testing.T) {
	r, _ := NewRegistry(Config{ID: "sales", VoiceID: "alloy"})
	_, err := r.Get("nope")
	if !errors.Is(err, ErrUnknownPersona) {
		t.Fatalf("err = %v, want ErrUnknownPersona", err)
	}
}

func TestSharedVoice(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		t.Fatalf("NewRegistry(Defaults()) error = %v", err)
	}
	same, err := r.SharedVoice("sales", "payment")
	if err != nil {
		t.Fatalf("SharedVoice() error = %v", err)
	}
	if !same {
		t.Fatalf("sales and payment share a voice")
	}
	same, err = r.SharedVoice("sales", "support")
	if err != nil {
		t.Fatalf("SharedVoice() error = %v", err)
	}
	if same {
		t.Fatalf("sales and support must not share a voice")
	}
}

func TestHasTool(t *testing.T) {
	c := Config{ID: "sales", VoiceID: "alloy", ToolNames: []string{"order", "show_menu_item"}}
	if !c.HasTool("order") {
		t.Fatalf("HasTool(order) = false, want true")
	}
	if c.HasTool("confirm_order") {
		t.Fatalf("HasTool(confirm_order) = true, want false")
	}
}
