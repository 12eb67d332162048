package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeClient marshals an outbound envelope.
func EncodeClient(evt ClientEvent) ([]byte, error) {
	if evt.Type == "" {
		return nil, fmt.Errorf("encode client event: empty type")
	}
	return json.Marshal(evt)
}

// DecodeServer unmarshals an inbound frame. Frames without a type are
// rejected so the read loop can skip them.
func DecodeServer(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("decode server event: missing type")
	}
	return &evt, nil
}
