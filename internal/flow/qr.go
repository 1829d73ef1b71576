package flow

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"regline/internal/domain"
)

// QRSigner mints the compact token embedded in the confirmation QR so
// on-site scanners can verify a badge offline.
type QRSigner struct {
	Secret []byte
	Now    func() time.Time
}

// Sign returns an HS256 token over the participant identity. With no
// secret configured the QR carries no token.
func (q QRSigner) Sign(p domain.Participant) (string, error) {
	if len(q.Secret) == 0 {
		return "", nil
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	claims := jwt.MapClaims{
		"sub":   p.ID,
		"eid":   p.EventID,
		"email": p.Email,
		"iat":   now().UTC().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(q.Secret)
}

// Verify parses a QR token and returns the participant identity claims.
func (q QRSigner) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return q.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
