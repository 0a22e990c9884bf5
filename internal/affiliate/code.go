package affiliate

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// NewCode returns a random affiliate code without ambiguous characters (0/O, 1/I).
func NewCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode canonicalizes a code as typed or carried in a ?ref= link.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
