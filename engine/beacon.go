package engine

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/internal/util"
	"github.com/hupe1980/primemesh/resonance"
)

// newBeacon derives a beacon whose fingerprint binds the body hash, the
// orientation and the epoch. Equal inputs yield equal fingerprints.
func newBeacon(agentID string, primes []uint64, q core.Quaternion, epoch uint64, at time.Time) (core.Beacon, error) {
	bodyHash, err := resonance.BodyHash(primes)
	if err != nil {
		return core.Beacon{}, err
	}

	buf := make([]byte, 0, len(bodyHash)+5*8)
	buf = append(buf, bodyHash...)
	for _, f := range []float64{q.W, q.X, q.Y, q.Z} {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
	}
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	sum := blake2b.Sum256(buf)

	return core.Beacon{
		ID:          util.NewID(),
		AgentID:     agentID,
		BodyHash:    bodyHash,
		Fingerprint: hex.EncodeToString(sum[:]),
		Quaternion:  q,
		Epoch:       epoch,
		CreatedAt:   at,
	}, nil
}

// VerifyBeacon recomputes a beacon fingerprint from its recorded fields.
func VerifyBeacon(b core.Beacon, primes []uint64) bool {
	want, err := newBeacon(b.AgentID, primes, b.Quaternion, b.Epoch, b.CreatedAt)
	if err != nil {
		return false
	}
	return want.Fingerprint == b.Fingerprint && want.BodyHash == b.BodyHash
}
