package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  error
	}{
		{name: "data", input: `{"type":"data","data":"ls\n"}`, wantType: TypeData},
		{name: "resize", input: `{"type":"resize","cols":80,"rows":24}`, wantType: TypeResize},
		{name: "ready", input: `{"type":"ready"}`, wantType: TypeReady},
		{name: "ping", input: `{"type":"ping"}`, wantType: TypePing},
		{name: "pong", input: `{"type":"pong"}`, wantType: TypePong},
		{name: "bad json", input: `not json`, wantErr: ErrMalformedFrame},
		{name: "missing type", input: `{"data":"x"}`, wantErr: ErrMalformedFrame},
		{name: "unknown type", input: `{"type":"exec"}`, wantErr: ErrUnknownFrameType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.input))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, f.Type)
		})
	}
}

func TestEncode_FieldNames(t *testing.T) {
	b, err := Encode(Data([]byte("hi")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"data","data":"hi"}`, string(b))

	b, err = Encode(Ready())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ready"}`, string(b))

	b, err = Encode(Resize(80, 24))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"resize","cols":80,"rows":24}`, string(b))
}

func TestDimensions(t *testing.T) {
	c, r, ok := Dimensions(80, 24)
	assert.True(t, ok)
	assert.Equal(t, uint16(80), c)
	assert.Equal(t, uint16(24), r)

	for _, bad := range [][2]float64{{-1, 10}, {3.5, 10}, {0, 24}, {80, 0}, {70000, 24}} {
		_, _, ok := Dimensions(bad[0], bad[1])
		assert.False(t, ok, "cols=%v rows=%v", bad[0], bad[1])
	}
}

func TestIsControl(t *testing.T) {
	assert.True(t, Ping().IsControl())
	assert.True(t, Pong().IsControl())
	assert.False(t, Ready().IsControl())
	assert.False(t, Data(nil).IsControl())
}
