package auth

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a salted bcrypt digest of password. bcrypt only reads
// 72 bytes, so the password is first reduced to a fixed-size SHA-256
// digest; any input length is therefore accepted and fully significant.
func HashPassword(password string, cost int) (string, error) {
	digest, err := bcrypt.GenerateFromPassword(prehash(password), cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// CheckPassword reports whether password matches a digest made by
// HashPassword. It returns bcrypt.ErrMismatchedHashAndPassword on mismatch.
func CheckPassword(digest, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(digest), prehash(password))
}

func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
