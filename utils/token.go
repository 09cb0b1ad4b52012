package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// OperatorClaims authorize calls to the operational API (manual triggers, reports).
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

const OperatorRole = "operator"

func OperatorTokenGenerate(subject string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("operator token secret is empty")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &OperatorClaims{
		Role: OperatorRole,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(secret)
}

func OperatorTokenValidate(token string, secret []byte) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Role != OperatorRole {
		return nil, errors.New("token is not an operator token")
	}
	return claims, nil
}
