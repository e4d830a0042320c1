package utils

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAdminPassword produces a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashAdminPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAdminPassword checks password against the bcrypt hash when one is
// configured, otherwise against the plaintext value.
func VerifyAdminPassword(password, plain, hash string) bool {
	if password == "" {
		return false
	}
	if hash = strings.TrimSpace(hash); hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	if plain == "" {
		return false
	}
	// Compare digests so the comparison time does not depend on length.
	got := sha256.Sum256([]byte(password))
	want := sha256.Sum256([]byte(plain))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}
