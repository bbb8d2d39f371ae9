package ipc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// capabilityClaims identifies the workspace a running agent belongs to, so
// the bridge HTTP endpoint (cmd/nanoclaw-bridge) can trust a request's
// claimed origin the same way the filesystem IPC watcher trusts a record's
// directory, without needing the bridge process to share the router's
// filesystem view.
type capabilityClaims struct {
	Folder string `json:"folder"`
	ChatID string `json:"chat_jid"`
	jwt.RegisteredClaims
}

// IssueCapabilityToken signs a short-lived token scoping one agent run to
// its workspace. secret is the bridge's HMAC signing key.
func IssueCapabilityToken(secret []byte, folder, chatID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := capabilityClaims{
		Folder: folder,
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// VerifyCapabilityToken validates tokenStr and returns the workspace it
// authorises. An expired, malformed, or mis-signed token is rejected.
func VerifyCapabilityToken(secret []byte, tokenStr string) (folder, chatID string, err error) {
	var claims capabilityClaims
	_, err = jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("ipc: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("ipc: invalid capability token: %w", err)
	}
	return claims.Folder, claims.ChatID, nil
}
