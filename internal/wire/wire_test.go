package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Any byte sequence, including invalid UTF-8 and terminal control
// sequences, must survive the double-base64 round trip unchanged.
func TestWriteRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("Write frames round-trip arbitrary bytes", prop.ForAll(
		func(data []byte) bool {
			raw, err := EncodeWrite(data)
			if err != nil {
				return false
			}

			env, err := Decode(raw)
			if err != nil || env.Type != KindWrite {
				return false
			}

			decoded, err := env.DecodeWrite()
			if err != nil {
				return false
			}
			return bytes.Equal(decoded, data)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("WinSize frames round-trip dimensions", prop.ForAll(
		func(cols, rows uint16) bool {
			raw, err := EncodeWinSize(cols, rows)
			if err != nil {
				return false
			}
			env, err := Decode(raw)
			if err != nil || env.Type != KindWinSize {
				return false
			}
			gotCols, gotRows, err := env.DecodeWinSize()
			return err == nil && gotCols == cols && gotRows == rows
		},
		gen.UInt16(),
		gen.UInt16(),
	))

	properties.TestingRun(t)
}

func TestEncodeWriteControlSequences(t *testing.T) {
	// Raw terminal output: ANSI colors, carriage returns, invalid UTF-8.
	payloads := [][]byte{
		[]byte("\x1b[31mred\x1b[0m"),
		[]byte("line\r\nnext"),
		{0xff, 0xfe, 0x00, 0x01},
		[]byte("hello\n"),
	}

	for _, payload := range payloads {
		raw, err := EncodeWrite(payload)
		if err != nil {
			t.Fatalf("encode %q: %v", payload, err)
		}
		env, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", payload, err)
		}
		decoded, err := env.DecodeWrite()
		if err != nil {
			t.Fatalf("decode write %q: %v", payload, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Errorf("round trip mismatch: sent %q, got %q", payload, decoded)
		}
	}
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "not json at all"},
		{"missing type", `{"Data":"aGVsbG8="}`},
		{"empty", ""},
	}

	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw))
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("%s: expected ErrProtocol, got %v", tc.name, err)
		}
	}
}

func TestDecodeWriteBadBase64(t *testing.T) {
	env := &Envelope{Type: KindWrite, Data: "!!not-base64!!"}
	if _, err := env.DecodeWrite(); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for bad outer base64, got %v", err)
	}

	// Valid outer base64, bad inner payload base64.
	innerJSON, _ := json.Marshal(WriteMessage{Size: 5, Data: "!!!"})
	env = &Envelope{Type: KindWrite, Data: base64.StdEncoding.EncodeToString(innerJSON)}
	if _, err := env.DecodeWrite(); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for bad inner base64, got %v", err)
	}
}

func TestDecodeWriteSizeMismatch(t *testing.T) {
	innerJSON, _ := json.Marshal(WriteMessage{
		Size: 99,
		Data: base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	env := &Envelope{Type: KindWrite, Data: base64.StdEncoding.EncodeToString(innerJSON)}

	if _, err := env.DecodeWrite(); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for size mismatch, got %v", err)
	}
}

func TestDecodeWrongKind(t *testing.T) {
	raw, err := EncodeReadOnly(true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := env.DecodeWrite(); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol decoding ReadOnly as Write, got %v", err)
	}

	readonly, err := env.DecodeReadOnly()
	if err != nil || !readonly {
		t.Errorf("expected readonly=true, got %v err=%v", readonly, err)
	}
}

func TestFlagMessages(t *testing.T) {
	raw, err := EncodeHeadless(true)
	if err != nil {
		t.Fatalf("encode headless: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode headless: %v", err)
	}
	if env.Type != KindHeadless {
		t.Fatalf("expected Headless envelope, got %s", env.Type)
	}
	headless, err := env.DecodeHeadless()
	if err != nil || !headless {
		t.Errorf("expected headless=true, got %v err=%v", headless, err)
	}
}
