package main

import (
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("GenerateSecureToken: %v", err)
	}
	if len(a) != 2*tokenByteLength {
		t.Errorf("expected %d chars, got %d", 2*tokenByteLength, len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Errorf("token is not hex: %v", err)
	}

	b, _ := GenerateSecureToken()
	if a == b {
		t.Error("two tokens must differ")
	}
}

func TestHashTriggerToken(t *testing.T) {
	hash, err := HashTriggerToken("trigger-token")
	if err != nil {
		t.Fatalf("HashTriggerToken: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("trigger-token")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("other")); err == nil {
		t.Error("hash must not verify another token")
	}

	if _, err := HashTriggerToken(""); err == nil {
		t.Error("expected error for empty token")
	}
}
