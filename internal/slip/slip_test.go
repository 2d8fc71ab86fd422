package slip

import (
	"bytes"
	"errors"
	"testing"
)

func decodeAll(t *testing.T, frame []byte) []byte {
	t.Helper()
	var d Decoder
	for i, b := range frame {
		payload, err := d.Feed(b)
		if err == nil {
			if i != len(frame)-1 {
				t.Fatalf("frame completed early at byte %d", i)
			}
			return payload
		}
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	t.Fatalf("frame never completed")
	return nil
}

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{End, Esc, End, Esc},
		bytes.Repeat([]byte{0xff}, 300),
	}
	for _, payload := range cases {
		encoded := Encode(payload)
		got := decodeAll(t, encoded)
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip mismatch: payload=%v got=%v", payload, got)
		}
	}
}

func TestEncodeFraming(t *testing.T) {
	encoded := Encode([]byte{0x01})
	if encoded[0] != End || encoded[len(encoded)-1] != End {
		t.Fatalf("encoded frame missing delimiters: %x", encoded)
	}
}

func TestEmptyFrame(t *testing.T) {
	var d Decoder
	if _, err := d.Feed(End); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("expected need-more-data, got %v", err)
	}
	payload, err := d.Feed(End)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %v", payload)
	}
}

func TestInvalidEscape(t *testing.T) {
	var d Decoder
	d.Feed(End)
	d.Feed(Esc)
	_, err := d.Feed(0x00)
	if !errors.Is(err, ErrInvalidEscape) {
		t.Fatalf("expected invalid escape, got %v", err)
	}
}

func TestNeedMoreInputThenResume(t *testing.T) {
	var d Decoder
	d.Feed(End)
	if _, err := d.Feed(0x01); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("expected need-more-data, got %v", err)
	}
	// Caller resumes with more bytes later; decoder must not have lost state.
	payload, err := d.Feed(End)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x01}) {
		t.Fatalf("got %v", payload)
	}
}
