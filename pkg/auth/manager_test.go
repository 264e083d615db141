package auth

import (
	"testing"
	"time"
)

func testManager() *Manager {
	return NewManager("test-secret-value", []Operator{
		{Username: "alice", Password: "hunter2", Role: "admin"},
		{Username: "bob", Password: "swordfish"},
	})
}

func TestAuthenticateAndIssue(t *testing.T) {
	m := testManager()

	op, err := m.Authenticate("Alice", "hunter2")
	if err != nil {
		t.Fatalf("expected authenticate to succeed: %v", err)
	}
	if op.Role != "admin" {
		t.Fatalf("expected admin role, got %q", op.Role)
	}

	token, exp, err := m.Issue(op, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" || !exp.After(time.Now()) {
		t.Fatalf("expected a non-empty token with a future expiry")
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "alice" || !claims.IsAdmin() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	m := testManager()
	if _, err := m.Authenticate("bob", "wrong"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := testManager()
	op, _ := m.Authenticate("bob", "swordfish")
	token, _, err := m.Issue(op, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewManager("different-secret", nil)
	if _, err := other.Validate(token); err == nil {
		t.Fatalf("expected validation against a different secret to fail")
	}
}

func TestDefaultRoleIsOperator(t *testing.T) {
	m := testManager()
	op, err := m.Authenticate("bob", "swordfish")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if op.Role != "operator" {
		t.Fatalf("expected default role 'operator', got %q", op.Role)
	}
}
