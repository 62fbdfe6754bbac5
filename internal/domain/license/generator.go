package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeLength is the fixed length of every license code. 30 characters over a
// 62 symbol alphabet carry more than 178 bits of entropy.
const CodeLength = 30

// Alphabet is the uniform code alphabet.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// GenerateCodes returns count codes, each drawn independently from crypto/rand.
// Codes are not checked against the store; a collision surfaces as
// domain.ErrDuplicateCode on insert.
func GenerateCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	for range count {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// GenerateCode returns a single random code.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	for i := range buf {
		// rand.Int is uniform over [0, n), no modulo bias.
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// LooksValid reports whether s has the shape of a generated code. Used to
// reject obvious garbage before touching the store.
func LooksValid(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
