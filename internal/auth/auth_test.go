package auth

import (
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("HEALTHEX_AUTH_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("patient-1", []string{"Patient", "patient", " "}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "patient-1" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "patient" {
		t.Fatalf("roles not deduped/normalized: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected jti to be set")
	}
}

func TestGenerateTokenRequiresPrincipal(t *testing.T) {
	setSecret(t)

	if _, err := GenerateToken("  ", nil, time.Minute); err == nil {
		t.Fatal("expected error for blank principal")
	}
	if _, err := GenerateToken("p", nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("patient-1", []string{"patient"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if _, err := ParseAndValidate(tampered); err == nil {
		t.Fatal("expected tampered token to fail validation")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("patient-1", []string{"patient"}, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestMissingSecretFailsClosed(t *testing.T) {
	t.Setenv("HEALTHEX_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("patient-1", nil, time.Minute); err == nil {
		t.Fatal("expected error when secret is unset")
	}
}
