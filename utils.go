package lottery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Address identifies a participant, a raffle or an oracle
type Address string

// ZeroAddress is the empty identity, never a valid participant
const ZeroAddress Address = ""

// String implements fmt.Stringer
func (a Address) String() string { return string(a) }

// IsZero reports whether a is the empty identity
func (a Address) IsZero() bool { return a == ZeroAddress }

// NewAddress generates a random 20-byte hex address
func NewAddress() Address {
	return Address("0x" + randomHex(20))
}

// ValidateAddress validates that addr is non-empty
func ValidateAddress(addr Address) error {
	if strings.TrimSpace(string(addr)) == "" {
		return ErrInvalidParameters.WithDetails("address cannot be empty")
	}
	return nil
}

// generateLockValue generates a unique lock value using crypto/rand
func generateLockValue() string {
	return randomHex(16)
}

// randomHex returns n random bytes hex-encoded
func randomHex(n int) string {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based value if crypto/rand fails
		return fmt.Sprintf("%0*x", n*2, time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
