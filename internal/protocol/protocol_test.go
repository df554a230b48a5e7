package protocol

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerr "jobrelay/internal/errors"
)

func TestAddress_Navigation(t *testing.T) {
	a := Address{0, 3, 1}

	assert.Equal(t, 3, a.Len())
	assert.False(t, a.IsLocal())
	assert.Equal(t, 0, a.Head())
	assert.Equal(t, Address{3, 1}, a.Tail())
	assert.Equal(t, Address{0, 3, 1, 7}, a.Append(7))
	assert.Equal(t, Address{0, 3, 1}, a, "Append must not alias the receiver")
	assert.Equal(t, "[0 3 1]", a.String())

	assert.True(t, Address{}.IsLocal())
	assert.True(t, Address(nil).IsLocal())
	assert.True(t, Address{4}.Tail().IsLocal())
}

func TestAddress_Validate(t *testing.T) {
	require.NoError(t, Address{0, 1}.Validate())

	err := Address{0, -2}.Validate()
	var ur *rerr.UnknownRouteError
	require.ErrorAs(t, err, &ur)
	assert.Equal(t, -2, ur.Index)
}

func TestAddress_JSON(t *testing.T) {
	data, err := json.Marshal(Address(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	var a Address
	require.NoError(t, json.Unmarshal([]byte("[2,0]"), &a))
	assert.Equal(t, Address{2, 0}, a)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    Address
		wantErr bool
	}{
		{"", Address{}, false},
		{"0", Address{0}, false},
		{"0, 1,2", Address{0, 1, 2}, false},
		{"0,x", nil, true},
		{"-1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, slices.Equal(got, tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestFrame_RequestResponse(t *testing.T) {
	data, err := EncodeData(map[string]any{"kind": "noop"})
	require.NoError(t, err)

	line, err := EncodeRequest(Request{ID: 7, Address: Address{1}, Action: ActionStartService, Data: data})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(line), "\n"))

	f, err := Decode(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, TypeRequest, f.Type)
	assert.Equal(t, uint64(7), f.Request.ID)
	assert.Equal(t, Address{1}, f.Request.Address)
	assert.JSONEq(t, `{"kind":"noop"}`, string(f.Request.Data))

	line, err = EncodeResponse(Response{ID: 7, Error: "bad", Kind: rerr.KindInvalidState})
	require.NoError(t, err)
	f, err = Decode(line)
	require.NoError(t, err)
	require.Equal(t, TypeResponse, f.Type)
	assert.Equal(t, "bad", f.Response.Error)
	assert.Equal(t, rerr.KindInvalidState, f.Response.Kind)
}

func TestDecode_Rejects(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"req"}`,
		`{"type":"resp"}`,
	} {
		_, err := Decode([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestEncodeData_Nil(t *testing.T) {
	raw, err := EncodeData(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	in := json.RawMessage(`{"a":1}`)
	raw, err = EncodeData(in)
	require.NoError(t, err)
	assert.Equal(t, in, raw)
}

func TestSplitter_PartialReads(t *testing.T) {
	var s Splitter

	frames, err := s.Feed([]byte(`{"a":`))
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 5, s.Pending())

	frames, err = s.Feed([]byte("1}\n\n{\"b\":2}\n{\"c\""))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
	assert.Equal(t, `{"b":2}`, string(frames[1]))

	frames, err = s.Feed([]byte(":3}\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"c":3}`, string(frames[0]))
	assert.Zero(t, s.Pending())
}

func TestSplitter_TooLarge(t *testing.T) {
	var s Splitter
	_, err := s.Feed(make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, rerr.ErrFrameTooLarge)
	assert.Zero(t, s.Pending())
}
