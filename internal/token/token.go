// Package token provides bearer token extraction and generation.
package token

import (
	"crypto/rand"
	"math/big"
	"net/http"
	"strings"
)

// DefaultLength is the length of generated invitation tokens.
const DefaultLength = 64

const alphabet = "QWERTYUIOPASDFGHJKLZXCVBNMqwertyuiopasdfghjklzxcvbnm1234567890"

// Generate returns a random alphanumeric token of the given length using a
// cryptographic source. A non-positive length falls back to DefaultLength.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	bound := big.NewInt(int64(len(alphabet)))

	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// Credentials is a token extracted from a request along with its auth method.
type Credentials struct {
	Method string
	Token  string
}

// FromRequest extracts credentials from the "token" query parameter or the
// Authorization header, in that order. Query tokens are treated as Bearer.
//
// Postcondition: Returns ok=false when the request carries no token.
func FromRequest(r *http.Request) (Credentials, bool) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return Credentials{Method: "Bearer", Token: tok}, true
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return Credentials{}, false
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 1 {
		return Credentials{Method: parts[0]}, true
	}
	return Credentials{Method: parts[0], Token: parts[1]}, true
}
