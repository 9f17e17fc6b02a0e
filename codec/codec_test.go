package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string         `cbor:"name"`
	Count  int            `cbor:"count"`
	Labels map[string]any `cbor:"labels"`
}

func TestCodecSmallPayloadStaysRaw(t *testing.T) {
	c := New()
	data, err := c.Marshal(sample{Name: "build", Count: 2})
	require.NoError(t, err)
	assert.False(t, IsCompressed(data))

	var out sample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "build", out.Name)
	assert.Equal(t, 2, out.Count)
}

func TestCodecLargePayloadCompressed(t *testing.T) {
	c := New(WithCompressThreshold(64))
	in := sample{Name: strings.Repeat("deploy-", 200)}
	data, err := c.Marshal(in)
	require.NoError(t, err)
	assert.True(t, IsCompressed(data))

	var out sample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in.Name, out.Name)
}

func TestCodecDecodesAnyMapsWithStringKeys(t *testing.T) {
	c := New()
	data, err := c.Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	var out any
	require.NoError(t, c.Unmarshal(data, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	_, ok = m["nested"].(map[string]any)
	assert.True(t, ok)
}

func TestCodecRejectsUnknownFrame(t *testing.T) {
	var out sample
	err := New().Unmarshal([]byte{0x7f, 0x01}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame tag")
}

func TestCanonicalIsDeterministic(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": 2, "c": []any{"x"}})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"c": []any{"x"}, "a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
