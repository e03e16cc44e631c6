package common

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateSessionID returns an identifier for one protocol engine instance.
func GenerateSessionID() string {
	return "sess_" + uuid.NewString()
}

// GenerateConnID returns an identifier for one transport connection. In mux
// mode several sessions share a connection ID.
func GenerateConnID() string {
	return "conn_" + uuid.NewString()
}

// GenerateTokenID returns the public half of an API token.
func GenerateTokenID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// GenerateSecret returns 32 random bytes as 64 hex characters.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
