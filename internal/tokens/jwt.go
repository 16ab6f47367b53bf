package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// JWTClaims represents access token claims. The access token is only a
// signed pointer at a session row; the row stays authoritative.
type JWTClaims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// signAccessToken issues a short-lived HS256 access token bound to a
// session
func (s *Service) signAccessToken(user *types.User, session *types.Session, now time.Time) (string, error) {
	claims := &JWTClaims{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      string(user.Role),
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.cfg.JWT.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.JWT.Audience},
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWT.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// parseAccessToken verifies the signature and registered claims and
// returns the embedded session pointer
func (s *Service) parseAccessToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWT.SecretKey), nil
	}, jwt.WithIssuer(s.cfg.JWT.Issuer), jwt.WithAudience(s.cfg.JWT.Audience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewSessionExpiredError()
		}
		return nil, types.NewSessionInvalidError("Invalid access token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, types.NewSessionInvalidError("Invalid access token claims")
	}
	return claims, nil
}
