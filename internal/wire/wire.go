// Package wire implements the JSON message envelope exchanged between the
// session server and browser viewers.
//
// Each websocket text frame carries one envelope:
//
//	{"Type": <kind>, "Data": <base64 of inner JSON>}
//
// The inner document depends on the kind. Write payloads nest a second
// base64 layer so the raw terminal byte stream never has to be valid UTF-8.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the payload carried by an envelope.
type Kind string

const (
	// KindWrite carries raw terminal bytes: PTY output going to viewers,
	// keystrokes coming from viewers.
	KindWrite Kind = "Write"

	// KindWinSize carries the authoritative terminal dimensions, or a
	// viewer's resize hint in headless mode.
	KindWinSize Kind = "WinSize"

	// KindReadOnly announces the session's read-only flag to a viewer.
	KindReadOnly Kind = "ReadOnly"

	// KindHeadless announces the session's headless flag to a viewer.
	KindHeadless Kind = "Headless"
)

// ErrProtocol is the base classification for malformed frames: bad outer
// JSON, bad base64, bad inner JSON, or a Size mismatch. Viewers that send
// such frames are disconnected.
var ErrProtocol = errors.New("protocol error")

// Envelope is the outer wire message.
type Envelope struct {
	Type Kind   `json:"Type"`
	Data string `json:"Data"`
}

// WriteMessage is the inner payload of a Write envelope. Data is the base64
// encoding of the raw bytes; Size must equal their decoded length.
type WriteMessage struct {
	Size int    `json:"Size"`
	Data string `json:"Data"`
}

// WinSizeMessage is the inner payload of a WinSize envelope.
type WinSizeMessage struct {
	Cols uint16 `json:"Cols"`
	Rows uint16 `json:"Rows"`
}

// ReadOnlyMessage is the inner payload of a ReadOnly envelope.
type ReadOnlyMessage struct {
	ReadOnly bool `json:"ReadOnly"`
}

// HeadlessMessage is the inner payload of a Headless envelope.
type HeadlessMessage struct {
	Headless bool `json:"Headless"`
}

func encode(kind Kind, inner any) ([]byte, error) {
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		Type: kind,
		Data: base64.StdEncoding.EncodeToString(innerJSON),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	return raw, nil
}

// EncodeWrite encodes raw terminal bytes as a Write envelope.
func EncodeWrite(data []byte) ([]byte, error) {
	return encode(KindWrite, WriteMessage{
		Size: len(data),
		Data: base64.StdEncoding.EncodeToString(data),
	})
}

// EncodeWinSize encodes terminal dimensions as a WinSize envelope.
func EncodeWinSize(cols, rows uint16) ([]byte, error) {
	return encode(KindWinSize, WinSizeMessage{Cols: cols, Rows: rows})
}

// EncodeReadOnly encodes the session read-only flag.
func EncodeReadOnly(readonly bool) ([]byte, error) {
	return encode(KindReadOnly, ReadOnlyMessage{ReadOnly: readonly})
}

// EncodeHeadless encodes the session headless flag.
func EncodeHeadless(headless bool) ([]byte, error) {
	return encode(KindHeadless, HeadlessMessage{Headless: headless})
}

// Decode parses the outer envelope of a raw websocket text frame.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing Type", ErrProtocol)
	}
	return &env, nil
}

// decodeInner base64-decodes the envelope Data and unmarshals the inner JSON.
func (e *Envelope) decodeInner(v any) error {
	innerJSON, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return fmt.Errorf("%w: bad base64 in %s envelope: %v", ErrProtocol, e.Type, err)
	}
	if err := json.Unmarshal(innerJSON, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrProtocol, e.Type, err)
	}
	return nil
}

// DecodeWrite extracts and validates the raw bytes of a Write envelope.
func (e *Envelope) DecodeWrite() ([]byte, error) {
	if e.Type != KindWrite {
		return nil, fmt.Errorf("%w: envelope is %s, not Write", ErrProtocol, e.Type)
	}
	var msg WriteMessage
	if err := e.decodeInner(&msg); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 in Write data: %v", ErrProtocol, err)
	}
	if msg.Size != len(data) {
		return nil, fmt.Errorf("%w: Write size %d does not match payload length %d", ErrProtocol, msg.Size, len(data))
	}
	return data, nil
}

// DecodeWinSize extracts the dimensions of a WinSize envelope.
func (e *Envelope) DecodeWinSize() (cols, rows uint16, err error) {
	if e.Type != KindWinSize {
		return 0, 0, fmt.Errorf("%w: envelope is %s, not WinSize", ErrProtocol, e.Type)
	}
	var msg WinSizeMessage
	if err := e.decodeInner(&msg); err != nil {
		return 0, 0, err
	}
	return msg.Cols, msg.Rows, nil
}

// DecodeReadOnly extracts the flag of a ReadOnly envelope.
func (e *Envelope) DecodeReadOnly() (bool, error) {
	var msg ReadOnlyMessage
	if err := e.decodeInner(&msg); err != nil {
		return false, err
	}
	return msg.ReadOnly, nil
}

// DecodeHeadless extracts the flag of a Headless envelope.
func (e *Envelope) DecodeHeadless() (bool, error) {
	var msg HeadlessMessage
	if err := e.decodeInner(&msg); err != nil {
		return false, err
	}
	return msg.Headless, nil
}
