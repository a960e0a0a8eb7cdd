package hashing

import (
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_MatchesSHA256(t *testing.T) {
	data := []byte("raw sensor bytes")
	want := sha256.Sum256(data)
	assert.Equal(t, Digest(want), Hash(data))
}

func TestCombine_OrderSensitive(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))

	assert.NotEqual(t, Combine(a, b), Combine(b, a))
	assert.Equal(t, Combine(a, b), Combine(a, b))
}

func TestCombine_EqualsHashOfConcatenation(t *testing.T) {
	a := Hash([]byte("code"))
	b := Hash([]byte("raw"))
	c := Hash([]byte("data"))

	concat := append(append(a.Bytes(), b.Bytes()...), c.Bytes()...)
	assert.Equal(t, Hash(concat), Combine(a, b, c))
	assert.Equal(t, Hash(concat), Default.Concat(a[:], b[:], c[:]))
}

func TestHasher_Algorithms(t *testing.T) {
	data := []byte("payload")
	seen := map[Digest]Algorithm{}

	for _, alg := range []Algorithm{SHA256, SHA3_256, BLAKE3} {
		h, err := New(alg)
		require.NoError(t, err)
		assert.Equal(t, alg, h.Algorithm())

		d := h.Hash(data)
		assert.Equal(t, d, h.Concat(data), "streaming and one-shot digests differ for %s", alg)
		if prev, dup := seen[d]; dup {
			t.Fatalf("%s and %s produced the same digest", prev, alg)
		}
		seen[d] = alg
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", SHA256, false},
		{"SHA256", SHA256, false},
		{"sha2-256", SHA256, false},
		{"sha3-256", SHA3_256, false},
		{"blake3", BLAKE3, false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDigest(t *testing.T) {
	d := Hash([]byte("x"))

	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	parsed, err = ParseDigest("0x" + strings.ToUpper(d.String()))
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDigest("abcd")
	assert.ErrorIs(t, err, ErrInvalidDigest)

	_, err = ParseDigest("zz")
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestDigest_JSON(t *testing.T) {
	type wrapper struct {
		H Digest `json:"h"`
	}
	in := wrapper{H: Hash([]byte("json"))}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), in.H.String())

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestHasher_Multihash(t *testing.T) {
	d := Hash([]byte("mh"))
	s, err := Default.Multihash(d)
	require.NoError(t, err)
	// base58 sha2-256 multihashes always start with "Qm"
	assert.True(t, strings.HasPrefix(s, "Qm"), "got %s", s)
}

func TestHexBytes_JSON(t *testing.T) {
	type wrapper struct {
		B HexBytes `json:"b"`
	}

	var out wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"b":"0xdeadbeef"}`), &out))
	assert.Equal(t, HexBytes{0xde, 0xad, 0xbe, 0xef}, out.B)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"deadbeef"}`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"b":"xyz"}`), &out))
}
