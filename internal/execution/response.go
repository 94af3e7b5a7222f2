package execution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// orderIDPaths is the resolution order for the order identifier. Nested paths are
// dot separated.
var orderIDPaths = []string{"order_id", "orderId", "id", "orderNumber", "data.order_id", "data.orderId"}

// OrderResponse is a decoded broker order reply. The broker has answered with several
// shapes over time; accessors resolve fields in a fixed order.
type OrderResponse struct {
	raw  json.RawMessage
	root map[string]any
}

// ParseOrderResponse decodes an order reply. Non-object bodies are an error.
func ParseOrderResponse(raw json.RawMessage) (OrderResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return OrderResponse{}, fmt.Errorf("decode order response: %w", err)
	}
	if root == nil {
		return OrderResponse{}, fmt.Errorf("decode order response: empty body")
	}
	return OrderResponse{raw: raw, root: root}, nil
}

// OrderID returns the first non-empty identifier along orderIDPaths.
func (r OrderResponse) OrderID() (string, bool) {
	for _, path := range orderIDPaths {
		if s, ok := scalarString(r.lookup(path)); ok {
			return s, true
		}
	}
	return "", false
}

// Status returns orderStatus, then status, when present.
func (r OrderResponse) Status() string {
	for _, path := range []string{"orderStatus", "status", "data.orderStatus"} {
		if s, ok := scalarString(r.lookup(path)); ok {
			return s
		}
	}
	return ""
}

// Data returns the "data" member when the reply wraps its payload, else the whole reply.
func (r OrderResponse) Data() json.RawMessage {
	if inner, ok := r.root["data"]; ok {
		if b, err := json.Marshal(inner); err == nil {
			return b
		}
	}
	return r.raw
}

func (r OrderResponse) lookup(path string) any {
	var cur any = r.root
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		if t.String() == "0" {
			return "", false
		}
		return t.String(), true
	case float64:
		if t == 0 {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
