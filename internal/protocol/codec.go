package protocol

import "encoding/json"

// Marshal encodes a Message as a single UTF-8 JSON object — one websocket
// text message per Message, preserving message boundaries per §6.
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a single websocket text message into a Message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
