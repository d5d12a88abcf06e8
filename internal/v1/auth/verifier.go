// Package auth verifies the signed join tokens presented at connection
// handshake. Verification is fully offline: either a symmetric secret or a
// static JWK set, both loaded from process configuration. The verifier never
// fetches keys over the network.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/logging"
)

// JoinMode selects meeting membership or the webinar attendee overlay.
const (
	JoinModeMeeting         = "meeting"
	JoinModeWebinarAttendee = "webinar_attendee"
)

// Claims are the signed join-token claims minted by the token issuer.
// IsAdmin is a legacy alias of IsHost kept for older issuers; when the two
// diverge the verifier trusts IsHost and logs the mismatch.
type Claims struct {
	UserID            string             `json:"userId"`
	Email             string             `json:"email,omitempty"`
	Name              string             `json:"name,omitempty"`
	IsForcedHost      bool               `json:"isForcedHost"`
	IsHost            bool               `json:"isHost"`
	IsAdmin           bool               `json:"isAdmin"`
	AllowRoomCreation bool               `json:"allowRoomCreation"`
	ClientID          string             `json:"clientId,omitempty"`
	SessionID         string             `json:"sessionId,omitempty"`
	JoinMode          string             `json:"joinMode,omitempty"`
	SfuURL            string             `json:"sfuUrl,omitempty"`
	IceServers        []webrtc.ICEServer `json:"iceServers,omitempty"`
	jwt.RegisteredClaims
}

// UserKey is the stable identity a user keeps across reconnects: the email
// when present, otherwise the userId (falling back to the subject claim).
func (c *Claims) UserKey() string {
	if c.Email != "" {
		return strings.ToLower(c.Email)
	}
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Host reports the effective host hint, reconciling the legacy IsAdmin alias.
func (c *Claims) Host(ctx context.Context) bool {
	if c.IsAdmin != c.IsHost {
		logging.Warn(ctx, "token isAdmin diverges from isHost, trusting isHost",
			zap.String("user_key", logging.RedactEmail(c.UserKey())),
			zap.Bool("is_host", c.IsHost),
			zap.Bool("is_admin", c.IsAdmin))
	}
	return c.IsHost
}

// Mode normalizes the joinMode claim, defaulting to a meeting join.
func (c *Claims) Mode() string {
	if c.JoinMode == JoinModeWebinarAttendee {
		return JoinModeWebinarAttendee
	}
	return JoinModeMeeting
}

// TokenVerifier validates a bearer token string and returns its claims.
type TokenVerifier interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Verifier validates tokens against static key material.
type Verifier struct {
	keyFunc jwt.Keyfunc
}

// NewHS256Verifier builds a Verifier over a shared symmetric secret.
func NewHS256Verifier(secret string) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 characters (got %d)", len(secret))
	}
	key := []byte(secret)
	return &Verifier{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		},
	}, nil
}

// NewJWKSVerifier builds a Verifier over a static JWK set document. Keys are
// looked up by the kid header; a set with a single key also serves tokens
// that omit kid.
func NewJWKSVerifier(jwksJSON string) (*Verifier, error) {
	set, err := jwk.Parse([]byte(jwksJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWK set: %w", err)
	}
	if set.Len() == 0 {
		return nil, errors.New("JWK set contains no keys")
	}

	return &Verifier{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			var key jwk.Key
			if kid, ok := token.Header["kid"].(string); ok {
				found, ok := set.LookupKeyID(kid)
				if !ok {
					return nil, fmt.Errorf("key with kid %s not found", kid)
				}
				key = found
			} else if set.Len() == 1 {
				key, _ = set.Key(0)
			} else {
				return nil, errors.New("kid header not found")
			}

			var raw interface{}
			if err := key.Raw(&raw); err != nil {
				return nil, fmt.Errorf("failed to get raw key: %w", err)
			}
			return raw, nil
		},
	}, nil
}

// ValidateToken parses and validates a token string, returning its claims.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims")
	}
	if claims.UserKey() == "" {
		return nil, errors.New("token carries no identity")
	}
	return claims, nil
}

// MintToken signs claims with an HS256 secret. Used by the development
// token endpoint and by tests.
func MintToken(secret string, claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAllowedOrigins splits the comma-separated origins value, falling back
// to defaults for local development when unset.
func ParseAllowedOrigins(originsStr string, defaults []string) []string {
	if originsStr == "" {
		logging.Warn(context.Background(), "ALLOWED_ORIGINS not set, using development defaults",
			zap.Strings("origins", defaults))
		return defaults
	}
	parts := strings.Split(originsStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
