// Package protocol defines the JSON frames exchanged between terminal viewers and
// the session server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Frame types. Ping and pong are transport-internal and never reach application
// subscribers.
const (
	TypeData   = "data"
	TypeResize = "resize"
	TypeReady  = "ready"
	TypePing   = "ping"
	TypePong   = "pong"
)

// Close codes used on the terminal WebSocket.
const (
	CloseNormal         = 1000
	CloseMissingSession = 4000
	CloseUnknownSession = 4004
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame is a single protocol message. Cols and Rows are float64 so that
// non-integer values sent by a client can be detected and rejected.
type Frame struct {
	Type string  `json:"type"`
	Data string  `json:"data,omitempty"`
	Cols float64 `json:"cols,omitempty"`
	Rows float64 `json:"rows,omitempty"`
}

// Data builds a data frame.
func Data(b []byte) Frame { return Frame{Type: TypeData, Data: string(b)} }

// Resize builds a resize frame.
func Resize(cols, rows uint16) Frame {
	return Frame{Type: TypeResize, Cols: float64(cols), Rows: float64(rows)}
}

// Ready builds a ready frame.
func Ready() Frame { return Frame{Type: TypeReady} }

// Ping builds a ping frame.
func Ping() Frame { return Frame{Type: TypePing} }

// Pong builds a pong frame.
func Pong() Frame { return Frame{Type: TypePong} }

// IsControl reports whether the frame is heartbeat traffic.
func (f Frame) IsControl() bool {
	return f.Type == TypePing || f.Type == TypePong
}

// Parse decodes a frame and validates its type.
func Parse(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case TypeData, TypeResize, TypeReady, TypePing, TypePong:
		return f, nil
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
}

// Encode marshals a frame.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Dimensions converts resize values to terminal dimensions. ok is false for
// non-positive, non-integer, or out-of-range values.
func Dimensions(cols, rows float64) (c, r uint16, ok bool) {
	if !validDimension(cols) || !validDimension(rows) {
		return 0, 0, false
	}
	return uint16(cols), uint16(rows), true
}

func validDimension(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if v <= 0 || v > math.MaxUint16 {
		return false
	}
	return v == math.Trunc(v)
}
