package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// frame is an encoded message ready for the write pump
type frame struct {
	kind    string // Message type, kept for logging
	msgType int    // websocket.TextMessage or websocket.BinaryMessage
	data    []byte
}

// encodeMessage renders msg in the given encoding. msgpack reuses the json
// struct tags so both encodings carry the same keys.
func encodeMessage(msg *Message, enc Encoding) (*frame, error) {
	switch enc {
	case EncodingMsgpack:
		var buf bytes.Buffer
		e := msgpack.NewEncoder(&buf)
		e.SetCustomStructTag("json")
		e.UseCompactInts(true)
		if err := e.Encode(msg); err != nil {
			return nil, fmt.Errorf("failed to encode msgpack message: %w", err)
		}
		return &frame{kind: msg.Type, msgType: websocket.BinaryMessage, data: buf.Bytes()}, nil
	default:
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json message: %w", err)
		}
		return &frame{kind: msg.Type, msgType: websocket.TextMessage, data: data}, nil
	}
}

// decodeInbound parses a client frame. Binary frames are msgpack; their
// payload is re-rendered as JSON so handlers see one representation.
func decodeInbound(msgType int, data []byte) (*InboundMessage, error) {
	if msgType != websocket.BinaryMessage {
		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		return &msg, nil
	}

	var raw struct {
		Type    string `msgpack:"type"`
		Role    string `msgpack:"role"`
		Payload any    `msgpack:"payload"`
	}
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse msgpack message: %w", err)
	}

	msg := &InboundMessage{Type: raw.Type, Role: raw.Role}
	if raw.Payload != nil {
		payload, err := json.Marshal(raw.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to convert msgpack payload: %w", err)
		}
		msg.Payload = payload
	}
	return msg, nil
}
