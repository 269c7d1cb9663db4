package token

import (
	"testing"
	"time"
)

func TestVerifyToken(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	tok, err := m.GenerateToken(7, "alice", "USER")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.VerifyToken(tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewJWTManager("other", time.Hour)
	if _, err := other.VerifyToken(tok); err == nil {
		t.Error("token signed with a different secret must not verify")
	}
}

func TestNewShareToken(t *testing.T) {
	a, err := NewShareToken(DefaultShareTokenBytes)
	if err != nil {
		t.Fatalf("NewShareToken: %v", err)
	}
	b, _ := NewShareToken(DefaultShareTokenBytes)
	if a == b {
		t.Fatal("two share tokens must differ")
	}
	// 32 字节 base64url 无填充为 43 个字符
	if len(a) != 43 {
		t.Errorf("len = %d, want 43", len(a))
	}
	for _, r := range a {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			t.Fatalf("token %q is not URL safe", a)
		}
	}
}
