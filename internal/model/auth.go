package model

import "github.com/golang-jwt/jwt/v5"

// ParticipantClaims are JWT claims for session-scoped participant tokens
type ParticipantClaims struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// TokenRequest is the request body for issuing a participant token
type TokenRequest struct {
	Username string `json:"username"`
}

// TokenResponse is returned after a token has been issued
type TokenResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}
