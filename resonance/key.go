package resonance

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/hupe1980/primemesh/core"
)

const keyPrefix = "rk1"

// Key proves a piece of text was processed under a specific fingerprint.
// Format: rk1.<hex text digest>.<hex tag>, where tag is BLAKE2b-256 keyed with
// the body digest over the text digest.
type Key string

// Verification is the result of Verify.
type Verification struct {
	Valid    bool   `json:"valid"`
	BodyHash string `json:"body_hash,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ComputeKey derives the resonance key of text under primes.
func ComputeKey(text string, primes []uint64) (Key, error) {
	const op = "resonance.ComputeKey"
	if strings.TrimSpace(text) == "" {
		return "", core.NewValidationError(op, "text", "must not be empty")
	}
	body, err := bodyDigest(op, primes)
	if err != nil {
		return "", err
	}
	digest := blake2b.Sum256([]byte(text))
	tag, err := keyTag(body, digest[:])
	if err != nil {
		return "", err
	}
	return Key(keyPrefix + "." + hex.EncodeToString(digest[:]) + "." + hex.EncodeToString(tag)), nil
}

// Verify checks key against primes without the original text. Malformed keys
// and invalid fingerprints verify as false with a reason.
func Verify(key Key, primes []uint64) Verification {
	body, err := bodyDigest("resonance.Verify", primes)
	if err != nil {
		return Verification{Reason: err.Error()}
	}
	bodyHash := hex.EncodeToString(body[:])

	parts := strings.Split(string(key), ".")
	if len(parts) != 3 || parts[0] != keyPrefix {
		return Verification{BodyHash: bodyHash, Reason: "malformed key"}
	}
	digest, err := hex.DecodeString(parts[1])
	if err != nil || len(digest) != blake2b.Size256 {
		return Verification{BodyHash: bodyHash, Reason: "malformed text digest"}
	}
	got, err := hex.DecodeString(parts[2])
	if err != nil {
		return Verification{BodyHash: bodyHash, Reason: "malformed tag"}
	}
	want, err := keyTag(body, digest)
	if err != nil {
		return Verification{BodyHash: bodyHash, Reason: err.Error()}
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return Verification{BodyHash: bodyHash, Reason: "fingerprint mismatch"}
	}
	return Verification{Valid: true, BodyHash: bodyHash}
}

func keyTag(body [32]byte, digest []byte) ([]byte, error) {
	h, err := blake2b.New256(body[:])
	if err != nil {
		return nil, err
	}
	h.Write(digest)
	return h.Sum(nil), nil
}
