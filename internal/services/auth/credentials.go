// Package auth provides credential checks and the access policy gate.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const basicScheme = "Basic "

// TokenMatches reports whether presented equals the reference token.
// An empty reference means the token method is not configured.
func TokenMatches(presented, reference string) bool {
	if reference == "" {
		return false
	}
	return constantTimeEqual(presented, reference)
}

// BasicMatches reports whether an Authorization header carries the reference
// username and password. Malformed headers never match.
//
// The reference password may be a bcrypt hash ($2a$, $2b$ or $2y$).
func BasicMatches(authorizationHeader, referenceUser, referencePass string) bool {
	if referenceUser == "" || referencePass == "" {
		return false
	}
	user, pass, ok := parseBasic(authorizationHeader)
	if !ok {
		return false
	}

	userOK := constantTimeEqual(user, referenceUser)
	passOK := passwordMatches(pass, referencePass)
	return userOK && passOK
}

func parseBasic(header string) (user, pass string, ok bool) {
	if len(header) < len(basicScheme) || !strings.EqualFold(header[:len(basicScheme)], basicScheme) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(basicScheme):]))
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

func passwordMatches(presented, reference string) bool {
	if isBcryptHash(reference) {
		return bcrypt.CompareHashAndPassword([]byte(reference), []byte(presented)) == nil
	}
	return constantTimeEqual(presented, reference)
}

func isBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// constantTimeEqual compares in constant time for equal-length inputs.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
