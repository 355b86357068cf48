package resonance

import (
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/OneOfOne/xxhash"

	"github.com/hupe1980/primemesh/core"
)

// DefaultDimension is the encoded vector length when none is configured.
const DefaultDimension = 16

// PhaseContribution is a phase value tagged with the prime it belongs to.
type PhaseContribution struct {
	Prime uint64  `json:"prime"`
	Phase float64 `json:"phase"`
}

// Percept is the immutable encoding of one piece of text against a
// fingerprint. Phases lists one contribution per encoded token, in token
// order; engines fold them into memory phases.
type Percept struct {
	SourceText    string              `json:"source_text"`
	Tokens        []string            `json:"tokens"`
	PrimesUsed    []uint64            `json:"primes_used"`
	EncodedVector []float64           `json:"encoded_vector"`
	Phases        []PhaseContribution `json:"phases"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Encoder holds percept encoding parameters. The zero value is usable.
type Encoder struct {
	// Dimension of EncodedVector; 0 selects DefaultDimension.
	Dimension int
	// MaxTokens caps the tokens encoded; 0 means no cap.
	MaxTokens int
	// Now stamps Timestamp; nil selects time.Now. The timestamp never
	// influences the encoded values.
	Now func() time.Time
}

// EncodePercept encodes text against primes with the default encoder.
func EncodePercept(text string, primes []uint64) (Percept, error) {
	return Encoder{}.Encode(text, primes)
}

// Encode tokenizes text and places every token on a prime and two vector
// slots derived from its xxhash.
func (e Encoder) Encode(text string, primes []uint64) (Percept, error) {
	const op = "resonance.EncodePercept"
	if strings.TrimSpace(text) == "" {
		return Percept{}, core.NewValidationError(op, "text", "must not be empty")
	}
	if err := ValidatePrimes(op, primes); err != nil {
		return Percept{}, err
	}

	dim := e.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	sorted := SortedPrimes(primes)
	tokens := Tokenize(text)
	if e.MaxTokens > 0 && len(tokens) > e.MaxTokens {
		tokens = tokens[:e.MaxTokens]
	}

	vec := make([]float64, dim)
	phases := make([]PhaseContribution, 0, len(tokens))
	used := make([]uint64, 0, len(sorted))

	for _, tok := range tokens {
		h := TokenHash(tok)
		p := sorted[h%uint64(len(sorted))]
		phase := 2 * math.Pi * float64(h%p) / float64(p)

		vec[h%uint64(dim)] += math.Cos(phase)
		vec[(h>>16)%uint64(dim)] += math.Sin(phase)

		phases = append(phases, PhaseContribution{Prime: p, Phase: phase})
		if !slices.Contains(used, p) {
			used = append(used, p)
		}
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	return Percept{
		SourceText:    text,
		Tokens:        tokens,
		PrimesUsed:    used,
		EncodedVector: normalize(vec),
		Phases:        phases,
		Timestamp:     now(),
	}, nil
}

// Tokenize lower-cases text, splits on whitespace and trims surrounding
// punctuation. A field made only of punctuation is kept verbatim.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if t == "" {
			t = f
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// TokenHash is the placement hash of a token.
func TokenHash(token string) uint64 {
	h := xxhash.NewS64(0)
	h.Write([]byte(token))
	return h.Sum64()
}

// PrimeFor returns the prime a token is placed on for the given fingerprint.
func PrimeFor(token string, primes []uint64) uint64 {
	sorted := SortedPrimes(primes)
	if len(sorted) == 0 {
		return 0
	}
	return sorted[TokenHash(token)%uint64(len(sorted))]
}

// Dot returns the dot product over the shared prefix of a and b.
func Dot(a, b []float64) float64 {
	n := min(len(a), len(b))
	var s float64
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] /= n
	}
	return v
}
