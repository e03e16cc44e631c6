package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/database"
)

func TestTokenAuthenticator(t *testing.T) {
	auth := NewTokenAuthenticator()
	auth.AddToken("alpha", Principal{Name: "ci"})

	p, err := auth.Authenticate("alpha")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if p.Name != "ci" || p.IsAdmin {
		t.Errorf("principal = %+v", p)
	}

	for _, bad := range []string{"", "alph", "alpha2"} {
		if _, err := auth.Authenticate(bad); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Authenticate(%q) error = %v, want ErrUnauthorized", bad, err)
		}
	}

	auth.RemoveToken("alpha")
	if auth.TokenCount() != 0 {
		t.Errorf("TokenCount = %d, want 0", auth.TokenCount())
	}
}

func TestTokenAuthenticator_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens")
	content := "# comment\n\ntok-one:ops\ntok-two\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	auth := NewTokenAuthenticator()
	if err := auth.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if auth.TokenCount() != 2 {
		t.Fatalf("TokenCount = %d, want 2", auth.TokenCount())
	}

	p, err := auth.Authenticate("tok-one")
	if err != nil || p.Name != "ops" {
		t.Errorf("Authenticate(tok-one) = %+v, %v", p, err)
	}
	p, err = auth.Authenticate("tok-two")
	if err != nil || p.Name != "file:4" {
		t.Errorf("Authenticate(tok-two) = %+v, %v", p, err)
	}

	if err := auth.LoadFromFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDatabaseAuthenticator(t *testing.T) {
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	defer db.Close()

	_, plain, err := db.CreateAPIToken("tid", "secret", "robot", true)
	if err != nil {
		t.Fatalf("CreateAPIToken failed: %v", err)
	}

	fallback := NewTokenAuthenticator()
	fallback.AddToken("static", Principal{Name: "static"})
	auth := NewDatabaseAuthenticator(db, fallback)

	p, err := auth.Authenticate(plain)
	if err != nil {
		t.Fatalf("Authenticate(db token) failed: %v", err)
	}
	if p.Name != "robot" || !p.IsAdmin {
		t.Errorf("principal = %+v", p)
	}

	if p, err := auth.Authenticate("static"); err != nil || p.Name != "static" {
		t.Errorf("fallback Authenticate = %+v, %v", p, err)
	}
	if _, err := auth.Authenticate("tid.wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong secret error = %v, want ErrUnauthorized", err)
	}
}

func TestNewAuthenticatorFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     common.AuthConfig
		wantErr bool
	}{
		{"none", common.AuthConfig{Mode: "none"}, false},
		{"token", common.AuthConfig{Mode: "token", AdminToken: "root"}, false},
		{"missing file", common.AuthConfig{Mode: "token", TokenFile: "/nonexistent/tokens"}, true},
		{"unknown", common.AuthConfig{Mode: "jwt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := NewAuthenticatorFromConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAuthenticatorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.cfg.AdminToken != "" {
				p, err := auth.Authenticate(tt.cfg.AdminToken)
				if err != nil || !p.IsAdmin {
					t.Errorf("admin token = %+v, %v", p, err)
				}
			}
		})
	}
}
