package main

import (
	"crypto/rand"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var ErrInvalidToken = eris.New("invalid token")

// JWTClaims is the token issued by the profile service's login flow.
type JWTClaims struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	logger zerolog.Logger
}

// NewVerifier uses secret for HS256. An empty secret gets a random one, so
// no externally issued token will verify.
func NewVerifier(secret string, logger zerolog.Logger) *Verifier {
	v := &Verifier{secret: []byte(secret), logger: logger.With().Str("component", "auth").Logger()}
	if secret == "" {
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		v.secret = key
		v.logger.Warn().Msg("JWT_SECRET not set, using randomly generated secret")
	}
	return v
}

func (v *Verifier) Verify(tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, eris.Wrap(ErrInvalidToken, "no token provided")
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, eris.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidToken, "parse: %v", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
