package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// tokenByteLength gives 256 bits of entropy, hex-encoded to 64 characters.
const tokenByteLength = 32

// GenerateSecureToken returns a random hex token from crypto/rand.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashTriggerToken returns the bcrypt hash the API compares bearer tokens
// against on POST /billing/monthly-charge.
func HashTriggerToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("hashing trigger token: token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing trigger token: %w", err)
	}
	return string(hash), nil
}
