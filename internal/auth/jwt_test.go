package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateAccessToken(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.GenerateAccessToken("user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("userID = %q", claims.UserID)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("email = %q", claims.Email)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("secret", -time.Minute)

	token, err := m.GenerateAccessToken("user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := m.ValidateAccessToken(token); err == nil {
		t.Error("expired token validated")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-a", time.Hour)
	verifier := NewJWTManager("secret-b", time.Hour)

	token, err := issuer.GenerateAccessToken("user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := verifier.ValidateAccessToken(token); err == nil {
		t.Error("token signed with another secret validated")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	if _, err := m.ValidateAccessToken("not-a-token"); err == nil {
		t.Error("garbage token validated")
	}
}
