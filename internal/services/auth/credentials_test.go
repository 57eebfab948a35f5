package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, TokenMatches("secret", "secret"))
	assert.False(t, TokenMatches("", "secret"))
	assert.False(t, TokenMatches("secre", "secret"))
	assert.False(t, TokenMatches("secrets", "secret"))
}

func TestTokenMatches_NotConfigured(t *testing.T) {
	assert.False(t, TokenMatches("", ""))
	assert.False(t, TokenMatches("anything", ""))
}

func TestTokenMatches_SingleCharacterMutation(t *testing.T) {
	secret := "s3cr3t-T0ken"
	require.True(t, TokenMatches(secret, secret))

	for i := range secret {
		mutated := []byte(secret)
		mutated[i]++
		assert.False(t, TokenMatches(string(mutated), secret), "mutation at %d", i)
	}
}

func TestBasicMatches(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", basicHeader("admin", "pw"), true},
		{"lowercase scheme", "basic " + base64.StdEncoding.EncodeToString([]byte("admin:pw")), true},
		{"password with colon", basicHeader("admin", "pw:x"), false},
		{"wrong password", basicHeader("admin", "nope"), false},
		{"wrong user", basicHeader("root", "pw"), false},
		{"empty header", "", false},
		{"bearer scheme", "Bearer abc", false},
		{"scheme only", "Basic ", false},
		{"invalid base64", "Basic !!!not-base64!!!", false},
		{"no separator", "Basic " + base64.StdEncoding.EncodeToString([]byte("adminpw")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BasicMatches(tt.header, "admin", "pw"))
		})
	}
}

func TestBasicMatches_ColonInReferencePassword(t *testing.T) {
	assert.True(t, BasicMatches(basicHeader("admin", "pw:x"), "admin", "pw:x"))
}

func TestBasicMatches_NotConfigured(t *testing.T) {
	header := basicHeader("admin", "pw")
	assert.False(t, BasicMatches(header, "", "pw"))
	assert.False(t, BasicMatches(header, "admin", ""))
	assert.False(t, BasicMatches(basicHeader("", ""), "", ""))
}

func TestBasicMatches_BcryptReference(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, BasicMatches(basicHeader("admin", "pw"), "admin", string(hash)))
	assert.False(t, BasicMatches(basicHeader("admin", "other"), "admin", string(hash)))
	// The hash itself is not a valid password.
	assert.False(t, BasicMatches(basicHeader("admin", string(hash)), "admin", string(hash)))
}

func TestBasicMatches_MalformedBcryptReference(t *testing.T) {
	assert.False(t, BasicMatches(basicHeader("admin", "$2a$broken"), "admin", "$2a$broken"))
}
