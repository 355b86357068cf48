package resonance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/primemesh/core"
)

func TestBodyHash_OrderIndependent(t *testing.T) {
	h1, err := BodyHash([]uint64{2, 3, 5})
	require.NoError(t, err)
	h2, err := BodyHash([]uint64{5, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := BodyHash([]uint64{2, 3, 7})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestValidatePrimes(t *testing.T) {
	tests := []struct {
		name   string
		primes []uint64
		ok     bool
	}{
		{"valid", []uint64{2, 3, 5}, true},
		{"single", []uint64{7}, true},
		{"empty", nil, false},
		{"zero", []uint64{0, 3}, false},
		{"duplicate", []uint64{3, 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrimes("test", tt.primes)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestComputeKey_Deterministic(t *testing.T) {
	primes := []uint64{2, 3, 5}

	k1, err := ComputeKey("hello world", primes)
	require.NoError(t, err)
	k2, err := ComputeKey("hello world", []uint64{5, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := ComputeKey("hello worlds", primes)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := ComputeKey("hello world", []uint64{2, 3, 7})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestVerify(t *testing.T) {
	primes := []uint64{2, 3, 5}
	key, err := ComputeKey("hello", primes)
	require.NoError(t, err)

	v := Verify(key, primes)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Reason)

	others := [][]uint64{{2, 3}, {2, 3, 7}, {11}, {2, 3, 5, 7}}
	for _, p := range others {
		v := Verify(key, p)
		assert.Falsef(t, v.Valid, "primes %v should not verify", p)
		assert.Equal(t, "fingerprint mismatch", v.Reason)
	}
}

func TestVerify_Malformed(t *testing.T) {
	primes := []uint64{2, 3, 5}

	for _, key := range []Key{"", "rk1", "rk2.aa.bb", "rk1.zz.bb", "rk1.00.00"} {
		v := Verify(key, primes)
		assert.Falsef(t, v.Valid, "key %q", key)
		assert.NotEmpty(t, v.Reason)
	}

	key, err := ComputeKey("hello", primes)
	require.NoError(t, err)
	v := Verify(key, nil)
	assert.False(t, v.Valid)
}

func TestComputeKey_Validation(t *testing.T) {
	_, err := ComputeKey("  ", []uint64{2})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = ComputeKey("hi", nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestEncodePercept(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	enc := Encoder{Now: func() time.Time { return at }}
	primes := []uint64{2, 3, 5}

	p1, err := enc.Encode("Hello, world! Hello.", primes)
	require.NoError(t, err)
	p2, err := enc.Encode("Hello, world! Hello.", primes)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, []string{"hello", "world", "hello"}, p1.Tokens)
	assert.Len(t, p1.Phases, 3)
	assert.Len(t, p1.EncodedVector, DefaultDimension)
	assert.Equal(t, at, p1.Timestamp)
	assert.Equal(t, p1.Phases[0], p1.Phases[2])

	var norm float64
	for _, x := range p1.EncodedVector {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-9)

	for _, ph := range p1.Phases {
		assert.Contains(t, primes, ph.Prime)
		assert.Contains(t, p1.PrimesUsed, ph.Prime)
		assert.GreaterOrEqual(t, ph.Phase, 0.0)
	}
}

func TestEncodePercept_Options(t *testing.T) {
	p, err := Encoder{Dimension: 4, MaxTokens: 2}.Encode("a b c d", []uint64{7, 11})
	require.NoError(t, err)
	assert.Len(t, p.EncodedVector, 4)
	assert.Equal(t, []string{"a", "b"}, p.Tokens)
}

func TestEncodePercept_Validation(t *testing.T) {
	_, err := EncodePercept("", []uint64{2})
	var perr *core.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "text", perr.Field)

	_, err = EncodePercept("hello", []uint64{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestTokenize_PunctuationOnly(t *testing.T) {
	assert.Equal(t, []string{"?!", "ok"}, Tokenize("?! OK"))
}

func TestPrimeFor_MatchesEncoding(t *testing.T) {
	primes := []uint64{13, 2, 7}
	p, err := EncodePercept("resonance", primes)
	require.NoError(t, err)
	assert.Equal(t, p.Phases[0].Prime, PrimeFor("resonance", primes))
}
