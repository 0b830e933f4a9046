package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/iurnickita/paycore/internal/webhook/config"
)

var ErrBadSignature = errors.New("invalid signature")

// Verifier проверяет подлинность тела уведомления
type Verifier interface {
	Verify(body []byte, signature string) error
}

func NewVerifier(scheme string, secret string) (Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	switch scheme {
	case config.SchemeHMACSHA256:
		return hmacVerifier{secret: []byte(secret)}, nil
	case config.SchemeJWT:
		return jwtVerifier{secret: []byte(secret)}, nil
	case config.SchemeSharedSecret:
		return sharedSecretVerifier{secret: []byte(secret)}, nil
	}
	return nil, fmt.Errorf("unknown signature scheme %q", scheme)
}

// hex(HMAC-SHA256(secret, body)), допускается префикс "sha256="
type hmacVerifier struct {
	secret []byte
}

func (v hmacVerifier) Verify(body []byte, signature string) error {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// HS256-токен с хешем тела в claim body_sha256
type jwtVerifier struct {
	secret []byte
}

func (v jwtVerifier) Verify(body []byte, signature string) error {
	tokenString := strings.TrimSpace(signature)
	if parts := strings.Fields(tokenString); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		tokenString = parts[1]
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrBadSignature
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrBadSignature
	}
	digest, ok := claims["body_sha256"].(string)
	if !ok {
		return ErrBadSignature
	}
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(hex.EncodeToString(sum[:]))) != 1 {
		return ErrBadSignature
	}
	return nil
}

// секрет передается как есть
type sharedSecretVerifier struct {
	secret []byte
}

func (v sharedSecretVerifier) Verify(_ []byte, signature string) error {
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(signature)), v.secret) != 1 {
		return ErrBadSignature
	}
	return nil
}
