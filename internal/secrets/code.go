package secrets

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const codeDigits = "0123456789"

// GenerateNumericCode draws a fixed-length numeric one-time code from the
// system CSPRNG. Leading zeros are legal, so the code is always exactly
// length digits.
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("secrets: code length must be positive, got %d", length)
	}

	buf := make([]byte, length)
	max := big.NewInt(int64(len(codeDigits)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("secrets: random draw failed: %w", err)
		}
		buf[i] = codeDigits[n.Int64()]
	}
	return string(buf), nil
}
