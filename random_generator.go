package lottery

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// KeccakWordGenerator derives words as keccak256(seed || requestID || index).
// The same seed always yields the same words for a request, which keeps tests reproducible.
type KeccakWordGenerator struct {
	seed int64
}

// NewKeccakWordGenerator creates a reproducible generator for seed
func NewKeccakWordGenerator(seed int64) *KeccakWordGenerator {
	return &KeccakWordGenerator{seed: seed}
}

// Generate returns numWords 256-bit words for requestID
func (g *KeccakWordGenerator) Generate(requestID uint64, numWords uint32) ([]*big.Int, error) {
	if numWords == 0 || numWords > MaxNumWords {
		return nil, ErrInvalidNumWords
	}

	// seed(8) | requestID as uint256(32) | index as uint256(32)
	buf := make([]byte, 8+32+32)
	binary.BigEndian.PutUint64(buf[0:8], uint64(g.seed))
	binary.BigEndian.PutUint64(buf[8+24:8+32], requestID)

	words := make([]*big.Int, numWords)
	for i := range numWords {
		binary.BigEndian.PutUint64(buf[40+24:72], uint64(i))

		h := sha3.NewLegacyKeccak256()
		h.Write(buf)
		words[i] = new(big.Int).SetBytes(h.Sum(nil))
	}
	return words, nil
}

// SecureWordGenerator draws words from crypto/rand
type SecureWordGenerator struct{}

// NewSecureWordGenerator creates a new secure generator
func NewSecureWordGenerator() *SecureWordGenerator {
	return &SecureWordGenerator{}
}

// Generate returns numWords uniformly random 256-bit words
func (g *SecureWordGenerator) Generate(_ uint64, numWords uint32) ([]*big.Int, error) {
	if numWords == 0 || numWords > MaxNumWords {
		return nil, ErrInvalidNumWords
	}

	words := make([]*big.Int, numWords)
	buf := make([]byte, 32)
	for i := range words {
		if _, err := rand.Read(buf); err != nil {
			return nil, ErrSystemError.WithDetails("failed to read random bytes").WithCause(err)
		}
		words[i] = new(big.Int).SetBytes(buf)
	}
	return words, nil
}

// winnerIndex reduces a random word onto [0, n)
func winnerIndex(word *big.Int, n int) int {
	return int(new(big.Int).Mod(word, big.NewInt(int64(n))).Int64())
}
