package apikey_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/terrace/pkg/apikey"
)

func TestGenerate(t *testing.T) {
	a, err := apikey.Generate()
	require.NoError(t, err)
	b, err := apikey.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, apikey.Length)
	assert.True(t, strings.HasPrefix(a, "oct_"))
	assert.True(t, apikey.ValidFormat(a))
}

func TestHash(t *testing.T) {
	key := "oct_" + strings.Repeat("ab", 32)
	h := apikey.Hash(key)
	assert.Len(t, h, 64)
	assert.Equal(t, h, apikey.Hash(key))
	assert.NotEqual(t, h, apikey.Hash(key+"x"))
	assert.NotContains(t, h, key)
}

func TestValidFormat(t *testing.T) {
	cases := map[string]bool{
		"oct_" + strings.Repeat("0f", 32):       true,
		"oct_" + strings.Repeat("0F", 32):       false,
		"oct_" + strings.Repeat("0f", 31):       false,
		"key_" + strings.Repeat("0f", 32):       false,
		"oct_" + strings.Repeat("zz", 32):       false,
		"":                                      false,
		"oct_" + strings.Repeat("0f", 32) + "0": false,
	}
	for key, want := range cases {
		assert.Equal(t, want, apikey.ValidFormat(key), key)
	}
}

func TestParseBearer(t *testing.T) {
	tok, ok := apikey.ParseBearer("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = apikey.ParseBearer("bearer   abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc", "abc"} {
		_, ok := apikey.ParseBearer(h)
		assert.False(t, ok, h)
	}
}
