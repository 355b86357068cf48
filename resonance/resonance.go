// Package resonance implements the pure numeric transforms that bind text to
// an agent's body primes: body hashing, resonance keys and percept encoding.
//
// Every function is deterministic and side-effect free. Hashing uses BLAKE2b
// for identity material and xxhash for token placement.
package resonance

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"

	"github.com/hupe1980/primemesh/core"
)

// ValidatePrimes checks that primes is a non-empty set of distinct positive
// integers.
func ValidatePrimes(op string, primes []uint64) error {
	if len(primes) == 0 {
		return core.NewValidationError(op, "body_primes", "must not be empty")
	}
	seen := make(map[uint64]struct{}, len(primes))
	for _, p := range primes {
		if p == 0 {
			return core.NewValidationError(op, "body_primes", "values must be positive")
		}
		if _, dup := seen[p]; dup {
			return core.NewValidationError(op, "body_primes", fmt.Sprintf("duplicate value %d", p))
		}
		seen[p] = struct{}{}
	}
	return nil
}

// SortedPrimes returns a sorted copy of primes.
func SortedPrimes(primes []uint64) []uint64 {
	sorted := slices.Clone(primes)
	slices.Sort(sorted)
	return sorted
}

// BodyHash returns the hex BLAKE2b-256 digest of the sorted fingerprint.
func BodyHash(primes []uint64) (string, error) {
	sum, err := bodyDigest("resonance.BodyHash", primes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func bodyDigest(op string, primes []uint64) ([32]byte, error) {
	if err := ValidatePrimes(op, primes); err != nil {
		return [32]byte{}, err
	}
	sorted := SortedPrimes(primes)
	buf := make([]byte, 8*len(sorted))
	for i, p := range sorted {
		binary.BigEndian.PutUint64(buf[i*8:], p)
	}
	return blake2b.Sum256(buf), nil
}
