package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resumeClaims is the payload of a resume token. The token proves the
// bearer owned a session ID, so a reconnecting browser can pick its
// event stream back up instead of starting a fresh session.
type resumeClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
}

func newTokenService(secret string, ttl time.Duration) *tokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &tokenService{secret: []byte(secret), ttl: ttl}
}

// mint issues a signed resume token for the given session ID.
func (t *tokenService) mint(sessionID string) (string, error) {
	now := time.Now()
	claims := resumeClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "webforge",
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// verify checks a resume token and returns the session ID it carries.
func (t *tokenService) verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &resumeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid resume token: %w", err)
	}
	claims, ok := token.Claims.(*resumeClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return "", fmt.Errorf("invalid resume token")
	}
	return claims.SessionID, nil
}
