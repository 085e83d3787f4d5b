package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminRole = "admin"

// MintAdminToken signs an HS256 token that unlocks the admin API.
func MintAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("ADMIN_JWT_SECRET not set")
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": adminRole,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// VerifyAdminToken returns the token subject when it is a valid admin token.
func VerifyAdminToken(secret, tokenStr string) (string, error) {
	if secret == "" {
		return "", errors.New("admin API disabled")
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if role, _ := claims["role"].(string); role != adminRole {
		return "", errors.New("token lacks admin role")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}
