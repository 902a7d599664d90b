package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DeterministicSessionID derives a UUIDv4-shaped session id from a
// label: sha256(label) truncated to 32 hex chars with the version
// nibble forced to 4 and the variant nibble forced into {8,9,a,b}.
// The same label always maps to the same id, which lets retried
// dispatches reuse the session instead of forking a new one.
func DeterministicSessionID(label string) string {
	sum := sha256.Sum256([]byte(label))
	h := []byte(hex.EncodeToString(sum[:])[:32])

	h[12] = '4'
	h[16] = variantNibble(h[16])

	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

func variantNibble(c byte) byte {
	v := hexVal(c)
	return "89ab"[v%4]
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return 0
}
