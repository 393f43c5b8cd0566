package service

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"codeground/internal/merr"
	"codeground/internal/model"
	"codeground/internal/protocol"
	"codeground/internal/registry"
)

// AuthService issues and validates session-scoped participant tokens.
// With an empty secret it is disabled and every connection is accepted.
type AuthService struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(secret string, ttl time.Duration) *AuthService {
	return &AuthService{
		jwtSecret: []byte(secret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *AuthService) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// GenerateParticipantToken creates a token binding username to sessionID
func (s *AuthService) GenerateParticipantToken(sessionID, username string) (*model.TokenResponse, error) {
	if !s.Enabled() {
		return nil, errors.New("participant tokens are disabled")
	}
	if err := registry.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}

	now := s.now()
	claims := &model.ParticipantClaims{
		SessionID: sessionID,
		Username:  strings.TrimSpace(username),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}
	return &model.TokenResponse{
		Token:     tokenString,
		SessionID: sessionID,
		Username:  claims.Username,
	}, nil
}

// ValidateParticipantToken validates a participant JWT and returns claims
func (s *AuthService) ValidateParticipantToken(tokenString string) (*model.ParticipantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &model.ParticipantClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, errors.Wrap(merr.ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*model.ParticipantClaims)
	if !ok || !token.Valid {
		return nil, merr.ErrInvalidToken
	}
	return claims, nil
}
