package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func mintTestToken(t *testing.T, mutate func(*Claims)) string {
	t.Helper()
	claims := &Claims{
		UserID:   "user-1",
		Email:    "Alice@Example.com",
		Name:     "Alice",
		IsHost:   true,
		IsAdmin:  true,
		ClientID: "default",
		JoinMode: JoinModeMeeting,
	}
	if mutate != nil {
		mutate(claims)
	}
	token, err := MintToken(testSecret, claims, time.Minute)
	require.NoError(t, err)
	return token
}

func TestHS256RoundTrip(t *testing.T) {
	v, err := NewHS256Verifier(testSecret)
	require.NoError(t, err)

	claims, err := v.ValidateToken(mintTestToken(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.UserKey())
	assert.True(t, claims.Host(context.Background()))
}

func TestHS256ShortSecret(t *testing.T) {
	_, err := NewHS256Verifier("short")
	require.Error(t, err)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	v, err := NewHS256Verifier("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	_, err = v.ValidateToken(mintTestToken(t, nil))
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	claims := &Claims{UserID: "user-1"}
	token, err := MintToken(testSecret, claims, -time.Minute)
	require.NoError(t, err)

	v, err := NewHS256Verifier(testSecret)
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsNone(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "mallory"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v, err := NewHS256Verifier(testSecret)
	require.NoError(t, err)

	_, err = v.ValidateToken(raw)
	assert.Error(t, err)
}

func TestValidateTokenNoIdentity(t *testing.T) {
	v, err := NewHS256Verifier(testSecret)
	require.NoError(t, err)

	token := mintTestToken(t, func(c *Claims) {
		c.UserID = ""
		c.Email = ""
		c.Subject = ""
	})
	_, err = v.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no identity")
}

func TestUserKeyFallsBackToUserID(t *testing.T) {
	c := &Claims{UserID: "user-9"}
	assert.Equal(t, "user-9", c.UserKey())
}

func TestHostReconcilesAdminAlias(t *testing.T) {
	c := &Claims{IsHost: false, IsAdmin: true}
	assert.False(t, c.Host(context.Background()))

	c = &Claims{IsHost: true, IsAdmin: false}
	assert.True(t, c.Host(context.Background()))
}

func TestModeDefaultsToMeeting(t *testing.T) {
	assert.Equal(t, JoinModeMeeting, (&Claims{}).Mode())
	assert.Equal(t, JoinModeMeeting, (&Claims{JoinMode: "garbage"}).Mode())
	assert.Equal(t, JoinModeWebinarAttendee, (&Claims{JoinMode: JoinModeWebinarAttendee}).Mode())
}

func TestJWKSVerifier(t *testing.T) {
	// Symmetric key as a static JWK set; "k" is base64url("0123456789abcdef0123456789abcdef").
	const set = `{"keys":[{"kty":"oct","kid":"sig-1","k":"MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY"}]}`

	v, err := NewJWKSVerifier(set)
	require.NoError(t, err)

	claims := &Claims{UserID: "user-1"}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Minute))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "sig-1"
	raw, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	got, err := v.ValidateToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestJWKSVerifierEmptySet(t *testing.T) {
	_, err := NewJWKSVerifier(`{"keys":[]}`)
	assert.Error(t, err)
}

func TestParseAllowedOrigins(t *testing.T) {
	defaults := []string{"http://localhost:3000"}
	assert.Equal(t, defaults, ParseAllowedOrigins("", defaults))
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		ParseAllowedOrigins("https://a.example.com, https://b.example.com", defaults))
}
