package protocol

import (
	"strings"
	"testing"
)

func TestEncodeClientOmitsEmptyFields(t *testing.T) {
	data, err := EncodeClient(ClientEvent{Type: TypingStart, OrderID: "o1"})
	if err != nil {
		t.Fatalf("EncodeClient() error = %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"typing_start"`) {
		t.Errorf("encoded = %s, missing type", s)
	}
	if strings.Contains(s, "temp_id") || strings.Contains(s, "message_ids") {
		t.Errorf("encoded = %s, contains empty optional fields", s)
	}
}

func TestEncodeClientEmptyType(t *testing.T) {
	if _, err := EncodeClient(ClientEvent{}); err == nil {
		t.Error("EncodeClient() expected error for empty type")
	}
}

func TestDecodeServerRoundTrip(t *testing.T) {
	raw := `{
		"type": "message_new",
		"order_id": "o1",
		"message": {
			"id": "m1", "order_id": "o1", "sender_id": "u2",
			"sender_role": "admin", "body": "hi", "status": "sent",
			"temp_id": "temp-1-abc", "created_at": 1700000000000
		}
	}`
	evt, err := DecodeServer([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeServer() error = %v", err)
	}
	if evt.Type != MessageNew {
		t.Errorf("type = %q, want message_new", evt.Type)
	}
	if evt.Message == nil || evt.Message.ID != "m1" || evt.Message.TempID != "temp-1-abc" {
		t.Errorf("message = %+v, want id m1 temp_id temp-1-abc", evt.Message)
	}
}

func TestDecodeServerRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{{{"},
		{"missing type", `{"order_id":"o1"}`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeServer([]byte(tt.raw)); err == nil {
				t.Errorf("DecodeServer(%q) expected error", tt.raw)
			}
		})
	}
}

func TestDecodeServerStatusFanout(t *testing.T) {
	raw := `{"type":"message_status","message_ids":["m1","m2"],"status":"seen"}`
	evt, err := DecodeServer([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(evt.MessageIDs) != 2 || evt.Status != "seen" {
		t.Errorf("event = %+v, want 2 ids with status seen", evt)
	}
}
