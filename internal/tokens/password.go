package tokens

import "golang.org/x/crypto/bcrypt"

// BcryptVerifier checks passwords against bcrypt hashes
type BcryptVerifier struct{}

// Verify reports whether password matches the stored hash
func (BcryptVerifier) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword hashes a plaintext password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
