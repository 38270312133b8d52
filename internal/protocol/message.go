// Package protocol defines the control-link wire format: a bidirectional,
// ordered, message-oriented JSON stream carrying auth/register/heartbeat and
// the per-connection lifecycle events that accompany the binary data
// channel. See SPEC_FULL.md §4.1.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types, C→S and S→C, per §4.1's table.
const (
	TypeAuth     = "auth"
	TypeAuthResp = "auth_resp"

	TypeRegister      = "register"
	TypeRegisterResp  = "register_resp"
	TypeUnregister    = "unregister"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatResp = "heartbeat_resp"

	TypeNewConnection   = "new_connection"
	TypeConnectionClose = "connection_close"
	TypeConnectionError = "connection_error"

	// C→S streaming HTTP response frames, see §4.5.
	TypeHTTPResponse        = "http_response"
	TypeHTTPResponseHeaders = "http_response_headers"
	TypeHTTPResponseData    = "http_response_data"
	TypeHTTPResponseEnd     = "http_response_end"
)

// Message is the envelope every control message is wrapped in:
// `{ type, id, payload }`. id is set by the request sender and echoed by any
// matching response so the Controller can correlate it (§4.4).
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message with a fresh UUID id and a JSON-encoded payload.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, ID: uuid.NewString(), Payload: raw}, nil
}

// NewResponse builds a response message echoing the id of the request it answers.
func NewResponse(msgType string, requestID string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, ID: requestID, Payload: raw}, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ===== Client → Server payloads =====

type AuthPayload struct {
	Token string `json:"token"`
}

type RegisterPayload struct {
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	LocalHost  string `json:"localHost,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
}

type UnregisterPayload struct {
	RemotePort int `json:"remotePort"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// HTTPResponsePayload is the single-shot (non-streaming) HTTP response body.
type HTTPResponsePayload struct {
	ConnectionID string            `json:"connectionId"`
	StatusCode   int               `json:"statusCode"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"` // base64
}

type HTTPResponseHeadersPayload struct {
	ConnectionID string            `json:"connectionId"`
	StatusCode   int               `json:"statusCode"`
	Headers      map[string]string `json:"headers"`
}

type HTTPResponseDataPayload struct {
	ConnectionID string `json:"connectionId"`
	Data         string `json:"data"` // base64 chunk
}

type HTTPResponseEndPayload struct {
	ConnectionID string `json:"connectionId"`
}

// ===== Server → Client payloads =====

type AuthRespPayload struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RegisterRespPayload struct {
	Success    bool   `json:"success"`
	RemotePort int    `json:"remotePort,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

type HeartbeatRespPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// NewConnectionPayload announces a fresh LogicalConnection to the client
// (§4.3 step 4). Headers/Body/WSHeaders are populated only for protocol=http.
type NewConnectionPayload struct {
	ConnectionID  string            `json:"connectionId"`
	Protocol      string            `json:"protocol"`
	RemotePort    int               `json:"remotePort"`
	RemoteAddress string            `json:"remoteAddress"`
	URL           string            `json:"url,omitempty"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"` // base64
	WSHeaders     map[string]string `json:"wsHeaders,omitempty"`
}

type ConnectionClosePayload struct {
	ConnectionID string `json:"connectionId"`
}

type ConnectionErrorPayload struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

// NowUnixMilli is a small convenience for building HeartbeatPayload literals
// at call sites without importing time directly.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
