package frame

import (
	"bytes"
	"testing"
)

func buildStream(t *testing.T, frames []DataFrame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		encoded, err := EncodeData(f.ConnID, f.Payload)
		if err != nil {
			t.Fatalf("EncodeData: %v", err)
		}
		out = append(out, encoded...)
	}
	return out
}

func framesEqual(a, b []DataFrame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ConnID != b[i].ConnID || !bytes.Equal(a[i].Payload, b[i].Payload) {
			return false
		}
	}
	return true
}

func TestParserChunkBoundaryInvariant(t *testing.T) {
	want := []DataFrame{
		{ConnID: "conn-1", Payload: []byte("hello")},
		{ConnID: "conn-2", Payload: []byte{}},
		{ConnID: "conn-1", Payload: bytes.Repeat([]byte{0xAB}, 5000)},
		{ConnID: "c", Payload: []byte("x")},
	}
	stream := buildStream(t, want)

	// Whole stream in one call.
	p1 := &Parser{}
	got1, err := p1.Feed(stream)
	if err != nil {
		t.Fatalf("Feed whole stream: %v", err)
	}
	if !framesEqual(got1, want) {
		t.Fatalf("whole-stream decode mismatch: got %+v want %+v", got1, want)
	}

	// One byte at a time.
	p2 := &Parser{}
	var got2 []DataFrame
	for i := 0; i < len(stream); i++ {
		out, err := p2.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		got2 = append(got2, out...)
	}
	if !framesEqual(got2, want) {
		t.Fatalf("byte-at-a-time decode mismatch: got %+v want %+v", got2, want)
	}

	// Arbitrary irregular chunking.
	p3 := &Parser{}
	var got3 []DataFrame
	chunkSizes := []int{3, 7, 1, 20, 1000, 2, 4096}
	pos := 0
	ci := 0
	for pos < len(stream) {
		size := chunkSizes[ci%len(chunkSizes)]
		ci++
		end := pos + size
		if end > len(stream) {
			end = len(stream)
		}
		out, err := p3.Feed(stream[pos:end])
		if err != nil {
			t.Fatalf("Feed chunk: %v", err)
		}
		got3 = append(got3, out...)
		pos = end
	}
	if !framesEqual(got3, want) {
		t.Fatalf("irregular-chunk decode mismatch: got %+v want %+v", got3, want)
	}

	if p1.Buffered() != 0 || p2.Buffered() != 0 || p3.Buffered() != 0 {
		t.Fatal("expected no buffered bytes after a fully-consumed stream")
	}
}

func TestParserRetainsPartialFrame(t *testing.T) {
	full, err := EncodeData("abc", []byte("payload-data"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}

	p := &Parser{}
	frames, err := p.Feed(full[:len(full)-3])
	if err != nil {
		t.Fatalf("Feed partial: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %+v", frames)
	}
	if p.Buffered() == 0 {
		t.Fatal("expected partial bytes retained")
	}

	frames, err = p.Feed(full[len(full)-3:])
	if err != nil {
		t.Fatalf("Feed remainder: %v", err)
	}
	if len(frames) != 1 || frames[0].ConnID != "abc" || string(frames[0].Payload) != "payload-data" {
		t.Fatalf("unexpected frame after completing: %+v", frames)
	}
}

func TestAuthFrameRoundTrip(t *testing.T) {
	encoded, err := EncodeAuth("client-xyz")
	if err != nil {
		t.Fatalf("EncodeAuth: %v", err)
	}
	if !bytes.HasPrefix(encoded, []byte(Magic)) {
		t.Fatalf("expected magic prefix, got %x", encoded[:4])
	}

	clientID, err := ReadAuth(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadAuth: %v", err)
	}
	if clientID != "client-xyz" {
		t.Fatalf("got clientID %q, want client-xyz", clientID)
	}
}

func TestReadAuthRejectsBadMagic(t *testing.T) {
	_, err := ReadAuth(bytes.NewReader([]byte("XXXX\x00")))
	if err != ErrBadMagic {
		t.Fatalf("got err %v, want ErrBadMagic", err)
	}
}
