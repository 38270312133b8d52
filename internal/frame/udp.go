package frame

import "errors"

// UDP datagram kinds (§4.2): a control frame associates/refreshes a client's
// source address, a data frame carries one connection's payload. UDP
// preserves datagram boundaries, so — unlike the TCP data frame — no length
// prefix is needed for the payload; it is simply "the rest of the datagram".
const (
	UDPKindRegister byte = iota
	UDPKindKeepalive
	UDPKindData
)

var ErrShortUDPDatagram = errors.New("frame: udp datagram too short")

// UDPControlFrame is `register{clientId}` or `keepalive{clientId}`.
type UDPControlFrame struct {
	Kind     byte
	ClientID string
}

// UDPDataFrame is `(connId, payload)` carried over the UDP data channel.
type UDPDataFrame struct {
	ConnID  string
	Payload []byte
}

// EncodeUDPControl builds a register/keepalive datagram: kind byte + 1-byte
// clientId length + clientId.
func EncodeUDPControl(kind byte, clientID string) ([]byte, error) {
	if len(clientID) > MaxConnIDLen {
		return nil, ErrIDTooLong
	}
	buf := make([]byte, 0, 2+len(clientID))
	buf = append(buf, kind, byte(len(clientID)))
	buf = append(buf, clientID...)
	return buf, nil
}

// EncodeUDPData builds a data datagram: kind byte + 1-byte connId length +
// connId + payload (remainder of the datagram).
func EncodeUDPData(connID string, payload []byte) ([]byte, error) {
	if len(connID) > MaxConnIDLen {
		return nil, ErrIDTooLong
	}
	buf := make([]byte, 0, 2+len(connID)+len(payload))
	buf = append(buf, UDPKindData, byte(len(connID)))
	buf = append(buf, connID...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeUDPDatagram decodes one received UDP datagram into either a
// UDPControlFrame or a UDPDataFrame.
func DecodeUDPDatagram(datagram []byte) (control *UDPControlFrame, data *UDPDataFrame, err error) {
	if len(datagram) < 2 {
		return nil, nil, ErrShortUDPDatagram
	}
	kind := datagram[0]
	idLen := int(datagram[1])
	if len(datagram) < 2+idLen {
		return nil, nil, ErrShortUDPDatagram
	}
	id := string(datagram[2 : 2+idLen])

	switch kind {
	case UDPKindRegister, UDPKindKeepalive:
		return &UDPControlFrame{Kind: kind, ClientID: id}, nil, nil
	case UDPKindData:
		payload := append([]byte(nil), datagram[2+idLen:]...)
		return nil, &UDPDataFrame{ConnID: id, Payload: payload}, nil
	default:
		return nil, nil, errors.New("frame: unknown udp datagram kind")
	}
}
