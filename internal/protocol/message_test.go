package protocol

import "testing"

func TestNewMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		msg, err := NewMessage(TypeHeartbeat, HeartbeatPayload{Timestamp: int64(i)})
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("expected non-empty message id")
		}
		if seen[msg.ID] {
			t.Fatalf("duplicate message id %s", msg.ID)
		}
		seen[msg.ID] = true
	}
}

func TestNewResponseEchoesRequestID(t *testing.T) {
	req, err := NewMessage(TypeAuth, AuthPayload{Token: "tok"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	resp, err := NewResponse(TypeAuthResp, req.ID, AuthRespPayload{Success: true, ClientID: "c1"})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if resp.ID != req.ID {
		t.Fatalf("expected response id %q to echo request id %q", resp.ID, req.ID)
	}

	var payload AuthRespPayload
	if err := resp.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !payload.Success || payload.ClientID != "c1" {
		t.Fatalf("unexpected decoded payload: %+v", payload)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeRegister, RegisterPayload{RemotePort: 8080, LocalPort: 3000})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != msg.Type || decoded.ID != msg.ID {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, msg)
	}

	var payload RegisterPayload
	if err := decoded.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.RemotePort != 8080 || payload.LocalPort != 3000 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
