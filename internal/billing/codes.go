package billing

import (
	"crypto/rand"
	"strings"
)

// ReferralAlphabet omits O, 0, I and 1. Its 32 symbols divide 256 evenly,
// so masking a random byte yields a uniform pick.
const ReferralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ReferralCodeLength is the length of generated referral codes.
const ReferralCodeLength = 8

// maxCodeAttempts bounds regeneration on collision.
const maxCodeAttempts = 10

// CodeGenerator produces candidate referral codes.
type CodeGenerator func() (string, error)

// NewReferralCode draws ReferralCodeLength symbols from crypto/rand.
func NewReferralCode() (string, error) {
	buf := make([]byte, ReferralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = ReferralAlphabet[int(b)%len(ReferralAlphabet)]
	}
	return string(buf), nil
}

// NormalizeCode trims and uppercases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
