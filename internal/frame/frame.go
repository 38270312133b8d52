// Package frame implements the binary data-channel multiplexer framing
// (SPEC_FULL.md §4.2): a one-time auth frame followed by a stream of
// (connId, payload) data frames, and the chunk-boundary-invariant streaming
// parser that decodes them regardless of how the underlying transport
// chunks reads.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a TCP connection to the control port as a data-channel
// connection rather than a websocket control-link upgrade (§6).
const Magic = "CTDC"

// MaxConnIDLen bounds the one-byte length-prefixed connection/client id.
const MaxConnIDLen = 255

// MaxPayloadLen bounds a single data frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxPayloadLen = 16 * 1024 * 1024

var (
	ErrIDTooLong       = errors.New("frame: id exceeds 255 bytes")
	ErrPayloadTooLarge = fmt.Errorf("frame: payload exceeds %d bytes", MaxPayloadLen)
	ErrBadMagic        = errors.New("frame: bad auth magic")
)

// EncodeAuth builds the one-time auth frame: magic + 1-byte length + clientId.
func EncodeAuth(clientID string) ([]byte, error) {
	if len(clientID) > MaxConnIDLen {
		return nil, ErrIDTooLong
	}
	buf := make([]byte, 0, len(Magic)+1+len(clientID))
	buf = append(buf, Magic...)
	buf = append(buf, byte(len(clientID)))
	buf = append(buf, clientID...)
	return buf, nil
}

// ReadAuth reads the one-time auth frame from r, validating the magic.
// Used once by the server at data-channel accept; the client only writes
// this frame (EncodeAuth).
func ReadAuth(r io.Reader) (clientID string, err error) {
	header := make([]byte, len(Magic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	if string(header[:len(Magic)]) != Magic {
		return "", ErrBadMagic
	}
	idLen := int(header[len(Magic)])
	idBuf := make([]byte, idLen)
	if idLen > 0 {
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return "", err
		}
	}
	return string(idBuf), nil
}

// EncodeData builds one data frame: 1-byte connId length + connId + 4-byte
// big-endian payload length + payload.
func EncodeData(connID string, payload []byte) ([]byte, error) {
	if len(connID) > MaxConnIDLen {
		return nil, ErrIDTooLong
	}
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, 1+len(connID)+4+len(payload))
	buf = append(buf, byte(len(connID)))
	buf = append(buf, connID...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// DataFrame is one decoded (connId, payload) tuple.
type DataFrame struct {
	ConnID  string
	Payload []byte
}

// Parser incrementally decodes a stream of data frames. Feed can be called
// with chunks of any size — including one byte at a time — and always
// produces the same sequence of frames as feeding the same bytes in one
// call (§8 property 4). It never discards unconsumed bytes: a partial frame
// is retained until the rest arrives.
type Parser struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and extracts every frame that is
// now complete, in order. Remaining partial bytes stay buffered.
func (p *Parser) Feed(chunk []byte) ([]DataFrame, error) {
	p.buf = append(p.buf, chunk...)

	var frames []DataFrame
	for {
		frame, n, err := tryDecodeOne(p.buf)
		if err != nil {
			return frames, err
		}
		if n == 0 {
			break // incomplete frame, wait for more bytes
		}
		frames = append(frames, frame)
		p.buf = p.buf[n:]
	}

	// Avoid retaining a growing backing array indefinitely once drained.
	if len(p.buf) == 0 {
		p.buf = nil
	}

	return frames, nil
}

// Buffered returns the number of bytes currently held for an incomplete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// tryDecodeOne attempts to decode a single frame from buf. n==0 means "not
// enough bytes yet"; it is not an error.
func tryDecodeOne(buf []byte) (DataFrame, int, error) {
	if len(buf) < 1 {
		return DataFrame{}, 0, nil
	}
	idLen := int(buf[0])
	headerLen := 1 + idLen + 4
	if len(buf) < headerLen {
		return DataFrame{}, 0, nil
	}

	connID := string(buf[1 : 1+idLen])
	payloadLen := int(binary.BigEndian.Uint32(buf[1+idLen : headerLen]))
	if payloadLen > MaxPayloadLen {
		return DataFrame{}, 0, ErrPayloadTooLarge
	}

	total := headerLen + payloadLen
	if len(buf) < total {
		return DataFrame{}, 0, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[headerLen:total])

	return DataFrame{ConnID: connID, Payload: payload}, total, nil
}
