package ingest

import "testing"

func TestParseArgumentsDirect(t *testing.T) {
	args, ok := ParseArguments(`{"cart":[{"menu_item":"Fries","quantity":2}],"customer_confirm":"yes"}`, "order")
	if !ok {
		t.Fatalf("direct parse failed")
	}
	if args["customer_confirm"] != "yes" {
		t.Fatalf("args = %v", args)
	}
	cart, ok := args["cart"].([]any)
	if !ok || len(cart) != 1 {
		t.Fatalf("cart = %v", args["cart"])
	}
}

func TestParseArgumentsEmpty(t *testing.T) {
	args, ok := ParseArguments("  ", "order")
	if !ok || len(args) != 0 {
		t.Fatalf("empty input: args=%v ok=%v", args, ok)
	}
}

func TestParseArgumentsTrailingCommas(t *testing.T) {
	args, ok := ParseArguments(`{"menu_item":"Fries","quantity":2,}`, "update_cart")
	if !ok {
		t.Fatalf("trailing comma not repaired")
	}
	if args["quantity"] != float64(2) {
		t.Fatalf("args = %v", args)
	}

	args, ok = ParseArguments(`{"items":["a","b",],}`, "update_cart")
	if !ok {
		t.Fatalf("nested trailing commas not repaired")
	}
	items, _ := args["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", args["items"])
	}
}

func TestParseArgumentsControlCharacters(t *testing.T) {
	raw := "{\"note\":\"first line\nsecond\tline\"}"
	args, ok := ParseArguments(raw, "update_customer_info")
	if !ok {
		t.Fatalf("control characters not repaired")
	}
	if args["note"] != "first line\nsecond\tline" {
		t.Fatalf("note = %q", args["note"])
	}
}

func TestParseArgumentsTruncatedFallsBackToWrapper(t *testing.T) {
	raw := `{"menu_item": "Fries", "quantity": 2`
	args, ok := ParseArguments(raw, "order")
	if ok {
		t.Fatalf("truncated arguments reported as parsed: %v", args)
	}
	if args["raw"] != raw {
		t.Fatalf("raw = %v", args["raw"])
	}
	if args["context"] != "order" {
		t.Fatalf("context = %v", args["context"])
	}
	if args["error"] == "" || args["error"] == nil {
		t.Fatalf("error missing: %v", args)
	}
}

func TestParseArgumentsNullLiteral(t *testing.T) {
	args, ok := ParseArguments("null", "cancel_order")
	if !ok || len(args) != 0 {
		t.Fatalf("null: args=%v ok=%v", args, ok)
	}
}
