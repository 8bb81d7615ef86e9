package token

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMintAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	minter, err := NewMinter("test-secret", "opsync", Options{Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	credential, err := minter.Mint("user-1", "admin")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := minter.Verify(credential)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.AccessLevel != "admin" {
		t.Errorf("claims = %+v, want user-1/admin", claims)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q, want user-1", claims.Subject)
	}
}

func TestMintRequiresUserID(t *testing.T) {
	minter, err := NewMinter("test-secret", "opsync", Options{})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	if _, err := minter.Mint("  ", "admin"); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestNewMinterRequiresSecret(t *testing.T) {
	if _, err := NewMinter(" ", "opsync", Options{}); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	minter, _ := NewMinter("secret-a", "opsync", Options{Clock: fixedClock(now)})
	other, _ := NewMinter("secret-b", "opsync", Options{Clock: fixedClock(now)})

	credential, err := minter.Mint("user-1", "member")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := other.Verify(credential); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestVerifyRejectsExpiredCredential(t *testing.T) {
	minted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	minter, _ := NewMinter("test-secret", "opsync", Options{
		TTL:   time.Hour,
		Clock: fixedClock(minted),
	})

	credential, err := minter.Mint("user-1", "member")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	late, _ := NewMinter("test-secret", "opsync", Options{
		Clock: fixedClock(minted.Add(2 * time.Hour)),
	})
	if _, err := late.Verify(credential); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential for expired token, got %v", err)
	}
}

func TestVerifyRejectsIssuerMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	minter, _ := NewMinter("test-secret", "issuer-a", Options{Clock: fixedClock(now)})
	other, _ := NewMinter("test-secret", "issuer-b", Options{Clock: fixedClock(now)})

	credential, err := minter.Mint("user-1", "member")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := other.Verify(credential); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got %v", err)
	}
}
