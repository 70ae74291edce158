package agentclient

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// callbackTokenTTL bounds how long a workspace-ready callback token is
// accepted. Workspace setup is expected to finish well inside this window.
const callbackTokenTTL = 24 * time.Hour

// CallbackClaims are the claims carried by a workspace callback token.
type CallbackClaims struct {
	WorkspaceID string `json:"workspace_id"`
	TaskID      string `json:"task_id"`
	jwt.RegisteredClaims
}

// IssueCallbackToken signs a token the node agent presents when calling back
// with workspace readiness.
func IssueCallbackToken(secret, workspaceID, taskID string) (string, error) {
	now := time.Now().UTC()
	claims := &CallbackClaims{
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "devharbor",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(callbackTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyCallbackToken validates a callback token and returns its claims.
// The token is only valid for the workspace it was issued for.
func VerifyCallbackToken(secret, tokenString, workspaceID string) (*CallbackClaims, error) {
	claims := &CallbackClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid callback token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid callback token")
	}
	if claims.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("callback token workspace mismatch")
	}
	return claims, nil
}
