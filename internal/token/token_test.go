package token

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGenerate_Length(t *testing.T) {
	tok, err := Generate(0)
	require.NoError(t, err)
	assert.Len(t, tok, DefaultLength)

	tok, err = Generate(16)
	require.NoError(t, err)
	assert.Len(t, tok, 16)
}

func TestGenerate_Distinct(t *testing.T) {
	a, err := Generate(32)
	require.NoError(t, err)
	b, err := Generate(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFromRequest_QueryToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/servers?token=abc123", nil)
	creds, ok := FromRequest(req)
	require.True(t, ok)
	assert.Equal(t, "Bearer", creds.Method)
	assert.Equal(t, "abc123", creds.Token)
}

func TestFromRequest_AuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/servers", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	creds, ok := FromRequest(req)
	require.True(t, ok)
	assert.Equal(t, "Bearer", creds.Method)
	assert.Equal(t, "xyz", creds.Token)
}

func TestFromRequest_QueryWinsOverHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/?token=fromquery", nil)
	req.Header.Set("Authorization", "Bearer fromheader")
	creds, ok := FromRequest(req)
	require.True(t, ok)
	assert.Equal(t, "fromquery", creds.Token)
}

func TestFromRequest_NoToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := FromRequest(req)
	assert.False(t, ok)
}

// Property: generated tokens only contain characters from the alphabet.
func TestPropertyGenerateAlphabet(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(1, 128).Draw(t, "length")
		tok, err := Generate(length)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if len(tok) != length {
			t.Fatalf("Generate(%d) returned %d characters", length, len(tok))
		}
		for _, c := range tok {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("token contains unexpected character %q", c)
			}
		}
	})
}
