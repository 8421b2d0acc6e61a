package wsaudio

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// sessionTokenTTL is the lifetime of a generic-protocol session token. Kept
// short since the token only needs to survive the WebSocket handshake plus
// the client's "start" message round trip.
const sessionTokenTTL = 5 * time.Minute

// ErrInvalidSessionToken is returned when a generic protocol "start"
// message's token fails signature or expiry validation.
var ErrInvalidSessionToken = errors.New("wsaudio: invalid or expired session token")

// SessionClaims identifies the call a generic-protocol WebSocket session is
// authorized to carry audio for.
type SessionClaims struct {
	CallID string `json:"call_id"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs a short-lived bearer token scoped to callID. The
// caller hands this token to the client, which presents it back in the
// generic protocol's "start" control message. Nothing in internal/app
// issues tokens.
func IssueSessionToken(secret []byte, callID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(sessionTokenTTL)

	claims := SessionClaims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "agentcore",
			Subject:   callID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateSessionToken verifies a bearer token presented in a "start"
// message and returns the call ID it authorizes.
func ValidateSessionToken(secret []byte, tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidSessionToken
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidSessionToken
	}
	if claims.CallID == "" {
		return "", ErrInvalidSessionToken
	}
	return claims.CallID, nil
}
