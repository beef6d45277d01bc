package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested", `{"z":{"y":true,"x":false},"a":[3,2,1]}`, `{"a":[3,2,1],"z":{"x":false,"y":true}}`},
		{"compact", "{ \"a\" :\n 1 }", `{"a":1}`},
		{"no html escape", `{"k":"<a&b>"}`, `{"k":"<a&b>"}`},
		{"control chars", `"a\u0001\n"`, `"a\u0001\n"`},
		{"line separator literal", "\"x\u2028y\"", "\"x\u2028y\""},
		{"large integer", `18446744073709551615`, `18446744073709551615`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalize_UTF16Ordering(t *testing.T) {
	// U+10000 encodes as the surrogate pair 0xD800 0xDC00, which sorts before
	// U+E000 in UTF-16 even though its UTF-8 bytes sort after.
	in := "{\"\uE000\":1,\"\U00010000\":2}"
	got, err := Canonicalize([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestCanonicalize_NFC(t *testing.T) {
	// "e" + combining acute normalizes to U+00E9
	got, err := Canonicalize([]byte("{\"k\":\"e\u0301\"}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"k\":\"\u00e9\"}", string(got))
}

func TestCanonicalize_Rejects(t *testing.T) {
	inputs := []string{
		`1.5`,
		`{"a":null}`,
		`[1e3]`,
		"{\"e\u0301\":1,\"\u00e9\":2}",
	}
	for _, in := range inputs {
		_, err := Canonicalize([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestHash(t *testing.T) {
	type doc struct {
		B uint64 `json:"b"`
		A string `json:"a"`
	}
	h1, err := Hash(DomainClaim, doc{A: "x", B: 1})
	require.NoError(t, err)
	h2, err := Hash(DomainClaim, map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "field order and Go type do not affect the hash")
	assert.Len(t, h1, 64)

	other, err := Hash("gelato/other/v1", doc{A: "x", B: 1})
	require.NoError(t, err)
	assert.NotEqual(t, h1, other, "domain separation")

	changed, err := Hash(DomainClaim, doc{A: "x", B: 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, changed)
}
