package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity assertion carried by every gateway handshake and
// authenticated API call. The gateway trusts a verified Claims value; how the
// wallet behind PublicKey was proven is the identity endpoints' concern.
type Claims struct {
	UserID    string `json:"uid"`
	PublicKey string `json:"pk"`
	jwt.RegisteredClaims
}

// Sign creates a new identity assertion
func Sign(userID, publicKey, secret, issuer string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:    userID,
		PublicKey: publicKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify validates and parses an identity assertion
func Verify(tokenStr, secret string) (Claims, error) {
	var claims Claims

	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return claims, err
	}

	if !token.Valid {
		return claims, errors.New("invalid token")
	}

	return claims, nil
}
