package codec_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknet-labs/poc-core/pkg/codec"
)

func TestCanonicalIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": "v"}}
	b := map[string]any{"nested": map[string]any{"x": "v", "y": true}, "a": 1, "b": 2}

	ca, err := codec.Canonical(a)
	require.NoError(t, err)
	cb, err := codec.Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonicalDigestDeterministic(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	d1, err := codec.CanonicalDigest(payload{Name: "x", Count: 7})
	require.NoError(t, err)
	d2, err := codec.CanonicalDigest(payload{Name: "x", Count: 7})
	require.NoError(t, err)
	d3, err := codec.CanonicalDigest(payload{Name: "x", Count: 8})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.False(t, d1.IsZero())
}

func TestDigestHexRoundTrip(t *testing.T) {
	d, err := codec.CanonicalDigest(map[string]any{"k": "v"})
	require.NoError(t, err)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"`+d.String()+`"`, string(raw))

	var back codec.Digest
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back)
}

func TestDigestFromHexRejectsBadInput(t *testing.T) {
	_, err := codec.DigestFromHex("not-hex")
	assert.Error(t, err)

	_, err = codec.DigestFromHex("abcd") // wrong length
	assert.Error(t, err)
}

func TestDigestSQLRoundTrip(t *testing.T) {
	d, err := codec.CanonicalDigest("payload")
	require.NoError(t, err)

	v, err := d.Value()
	require.NoError(t, err)

	var back codec.Digest
	require.NoError(t, back.Scan(v))
	assert.Equal(t, d, back)
}

func TestHexBytesRoundTrip(t *testing.T) {
	hb := codec.HexBytes{0xde, 0xad, 0xbe, 0xef}
	raw, err := json.Marshal(hb)
	require.NoError(t, err)
	assert.Equal(t, `"deadbeef"`, string(raw))

	var back codec.HexBytes
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, hb, back)
}
