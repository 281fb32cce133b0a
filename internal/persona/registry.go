package persona

import (
	"errors"
	"fmt"
	"strings"
)

// Config is an immutable persona definition. Personas are referenced by ID
// everywhere else; the struct itself is copied out of the registry so
// callers can never mutate a shared instance.
type Config struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	VoiceID      string   `json:"voice_id"`
	Instructions string   `json:"instructions"`
	ToolNames    []string `json:"tool_names"`
	Temperature  float64  `json:"temperature"`
}

func (c Config) HasTool(name string) bool {
	for _, t := range c.ToolNames {
		if t == name {
			return true
		}
	}
	return false
}

var ErrUnknownPersona = errors.New("unknown persona")

// Registry holds the persona set for one engine instance. It is constructed
// once at startup and injected; there is no ambient global registry.
type Registry struct {
	byID  map[string]Config
	order []string
}

func NewRegistry(configs ...Config) (*Registry, error) {
	if len(configs) == 0 {
		return nil, errors.New("at least one persona is required")
	}
	r := &Registry{byID: make(map[string]Config, len(configs))}
	for _, c := range configs {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, errors.New("persona id must not be empty")
		}
		if strings.TrimSpace(c.VoiceID) == "" {
			return nil, fmt.Errorf("persona %q: voice_id must not be empty", id)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("persona %q: duplicate id", id)
		}
		c.ID = id
		c.ToolNames = append([]string(nil), c.ToolNames...)
		r.byID[id] = c
		r.order = append(r.order, id)
	}
	return r, nil
}

func (r *Registry) Get(id string) (Config, error) {
	c, ok := r.byID[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	c.ToolNames = append([]string(nil), c.ToolNames...)
	return c, nil
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// IDs returns persona ids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.order))
	for _, id := range r.order {
		c := r.byID[id]
		c.ToolNames = append([]string(nil), c.ToolNames...)
		out = append(out, c)
	}
	return out
}

// SharedVoice reports whether two personas can swap without a reconnect.
// The upstream channel cannot change voice once assistant audio exists, so
// differing voices always force a fresh connection.
func (r *Registry) SharedVoice(fromID, toID string) (bool, error) {
	from, err := r.Get(fromID)
	if err != nil {
		return false, err
	}
	to, err := r.Get(toID)
	if err != nil {
		return false, err
	}
	return from.VoiceID == to.VoiceID, nil
}

// Defaults is the built-in persona set for the ordering kiosk: a menu/sales
// agent, a payment agent sharing its voice, and a support agent with a
// distinct voice.
func Defaults() []Config {
	return []Config{
		{
			ID:          "sales",
			DisplayName: "Menu & Orders",
			VoiceID:     "alloy",
			Instructions: "You help customers browse the menu and assemble an order. " +
				"Confirm items and quantities before adding them to the cart.",
			ToolNames:   []string{"order", "update_cart", "show_menu_item"},
			Temperature: 0.8,
		},
		{
			ID:          "payment",
			DisplayName: "Checkout",
			VoiceID:     "alloy",
			Instructions: "You collect delivery details and confirm the order total. " +
				"Never read card numbers back to the customer.",
			ToolNames:   []string{"update_customer_info", "confirm_order", "cancel_order"},
			Temperature: 0.6,
		},
		{
			ID:          "support",
			DisplayName: "Support",
			VoiceID:     "verse",
			Instructions: "You handle complaints and order status questions with a calm, " +
				"apologetic tone.",
			ToolNames:   []string{"order_status", "cancel_order"},
			Temperature: 0.7,
		},
	}
}
