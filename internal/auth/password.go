package auth

import (
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost keeps verification around a few hundred milliseconds on current
// hardware.
const bcryptCost = 12

// dummyDigest is compared against when the username does not resolve to an
// account, so unknown and known usernames cost the same amount of work.
var dummyDigest = mustDummyDigest()

func mustDummyDigest() []byte {
	digest, err := bcrypt.GenerateFromPassword([]byte("c4f1a0d9e2b74e6f"), bcryptCost)
	if err != nil {
		panic(fmt.Sprintf("generate dummy digest: %v", err))
	}
	return digest
}

func HashPassword(plain string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

func CheckPassword(plain, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}

func compareAgainstDummy(plain string) {
	_ = bcrypt.CompareHashAndPassword(dummyDigest, []byte(plain))
}

// ValidatePassword enforces the admin password policy. It runs before any
// hashing so policy failures never pay the bcrypt cost.
func ValidatePassword(plain string) error {
	if len(plain) < 8 {
		return ErrPasswordPolicy{Rule: "must be at least 8 characters"}
	}

	var upper, lower, digit, special bool
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}

	switch {
	case !upper:
		return ErrPasswordPolicy{Rule: "must contain an uppercase letter"}
	case !lower:
		return ErrPasswordPolicy{Rule: "must contain a lowercase letter"}
	case !digit:
		return ErrPasswordPolicy{Rule: "must contain a digit"}
	case !special:
		return ErrPasswordPolicy{Rule: "must contain a special character"}
	}

	return nil
}
