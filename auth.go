package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"arka/models"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

// issueToken signs a 24h HS256 token carrying the session fields.
func issueToken(u *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    u.ID,
		"username":   u.Username,
		"role":       u.Role,
		"can_upload": u.CanUploadDocuments,
		"exp":        time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(jwtSecret)
}

func parseToken(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKeyType
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Session{}, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, fmt.Errorf("invalid claims")
	}
	uid, _ := claims["user_id"].(float64)
	username, _ := claims["username"].(string)
	role, _ := claims["role"].(string)
	canUpload, _ := claims["can_upload"].(bool)
	if uid == 0 || username == "" {
		return Session{}, fmt.Errorf("invalid claims")
	}
	return Session{
		UserID:    uint(uid),
		Username:  username,
		Role:      role,
		CanUpload: canUpload,
	}, nil
}
