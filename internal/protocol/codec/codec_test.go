package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID    uuid.UUID         `cbor:"id"`
	Name  string            `cbor:"name"`
	Tags  map[string]string `cbor:"tags,omitempty"`
	Bytes []byte            `cbor:"bytes,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	in := sample{ID: uuid.New(), Name: "n", Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := Marshal(in)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		again, err := Marshal(in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	var out sample
	require.NoError(t, Unmarshal(first, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalAnyUsesStringMaps(t *testing.T) {
	raw, err := Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(raw, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "top level %T", out)
	_, ok = m["outer"].(map[string]any)
	require.True(t, ok, "nested %T", m["outer"])
	require.Contains(t, Diagnose(raw), "outer")
	require.Equal(t, "<invalid cbor>", Diagnose([]byte{0x82, 0x01}))
}
