package server

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/database"
)

// ErrUnauthorized is returned for unknown or invalid API tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the identity behind an accepted API token.
type Principal struct {
	Name    string
	IsAdmin bool
}

// Authenticator validates API bearer tokens.
type Authenticator interface {
	// Authenticate returns the principal for token or ErrUnauthorized.
	Authenticate(token string) (*Principal, error)
}

// NoOpAuthenticator accepts all tokens (for development/testing).
type NoOpAuthenticator struct{}

// Authenticate accepts every token as an admin.
func (a *NoOpAuthenticator) Authenticate(token string) (*Principal, error) {
	return &Principal{Name: "anonymous", IsAdmin: true}, nil
}

// TokenAuthenticator validates tokens against a static list.
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]Principal
}

// NewTokenAuthenticator creates a new token authenticator.
func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{
		tokens: make(map[string]Principal),
	}
}

// AddToken adds a token to the authenticator.
func (a *TokenAuthenticator) AddToken(token string, p Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = p
}

// RemoveToken removes a token from the authenticator.
func (a *TokenAuthenticator) RemoveToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

// LoadFromFile loads tokens from a file, one per line as "token" or
// "token:name". Blank lines and lines starting with '#' are skipped.
func (a *TokenAuthenticator) LoadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open token file: %w", err)
	}
	defer file.Close()

	loaded := make(map[string]Principal)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		token, name, _ := strings.Cut(line, ":")
		token = strings.TrimSpace(token)
		name = strings.TrimSpace(name)
		if token == "" {
			return fmt.Errorf("invalid token on line %d", lineNum)
		}
		if name == "" {
			name = fmt.Sprintf("file:%d", lineNum)
		}
		loaded[token] = Principal{Name: name}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for token, p := range loaded {
		a.tokens[token] = p
	}
	return nil
}

// Authenticate checks token using constant-time comparison.
func (a *TokenAuthenticator) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for stored, p := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			principal := p
			return &principal, nil
		}
	}
	return nil, ErrUnauthorized
}

// TokenCount returns the number of loaded tokens.
func (a *TokenAuthenticator) TokenCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens)
}

// TokenStore validates tokens kept in the database.
type TokenStore interface {
	ValidateAPIToken(token string) (*database.APIToken, error)
}

// DatabaseAuthenticator validates "<id>.<secret>" tokens against the
// database and falls back to another authenticator.
type DatabaseAuthenticator struct {
	store    TokenStore
	fallback Authenticator
}

// NewDatabaseAuthenticator creates a new database authenticator with optional fallback.
func NewDatabaseAuthenticator(store TokenStore, fallback Authenticator) *DatabaseAuthenticator {
	return &DatabaseAuthenticator{
		store:    store,
		fallback: fallback,
	}
}

// Authenticate tries the database first, then the fallback.
func (a *DatabaseAuthenticator) Authenticate(token string) (*Principal, error) {
	if a.store != nil && strings.Contains(token, ".") {
		t, err := a.store.ValidateAPIToken(token)
		if err == nil {
			return &Principal{Name: t.Name, IsAdmin: t.IsAdmin}, nil
		}
		if !errors.Is(err, database.ErrInvalidToken) {
			return nil, fmt.Errorf("token lookup failed: %w", err)
		}
	}

	if a.fallback != nil {
		return a.fallback.Authenticate(token)
	}
	return nil, ErrUnauthorized
}

// NewAuthenticatorFromConfig creates an authenticator based on the auth
// configuration. The admin token, when set, authenticates as an admin.
func NewAuthenticatorFromConfig(cfg *common.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "none":
		return &NoOpAuthenticator{}, nil

	case "token":
		auth := NewTokenAuthenticator()
		if cfg.TokenFile != "" {
			if err := auth.LoadFromFile(cfg.TokenFile); err != nil {
				return nil, fmt.Errorf("failed to load tokens: %w", err)
			}
		}
		if cfg.AdminToken != "" {
			auth.AddToken(cfg.AdminToken, Principal{Name: "admin", IsAdmin: true})
		}
		return auth, nil

	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}
