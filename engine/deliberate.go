package engine

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/primemesh/catalog"
	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/resonance"
)

const (
	// recallWindow bounds the memory phases consulted per action.
	recallWindow = 8
	// attentionAlpha is the EMA weight of a fresh observation.
	attentionAlpha = 0.5
	// planningGain scales goal priors when the plan capability is active.
	planningGain = 2.0
)

type decision struct {
	belief            map[string]float64
	entropy           float64
	normalizedEntropy float64
	chosen            string
}

// deliberate scores every candidate and collapses the scores into a belief
// distribution. It reads engine state but never mutates it, apart from the
// action vector cache. Scores that are not finite fail the step.
func (e *Engine) deliberate(p resonance.Percept, obs core.Observation, candidates []string) (decision, error) {
	layers := e.session.Layers
	plan := e.catalog.HasCapability(layers, catalog.CapPlan)
	recall := e.catalog.HasCapability(layers, catalog.CapRecall)
	attend := e.catalog.HasCapability(layers, catalog.CapAttend)
	deliberate := e.catalog.HasCapability(layers, catalog.CapDeliberate)

	gain := 1.0
	if plan {
		gain = planningGain
	}
	decay := min(max(e.agent.CollapseDynamics.Decay, 0), 1)

	scores := make([]float64, len(candidates))
	for i, a := range candidates {
		s := gain*e.agent.GoalPriors[a] + e.agent.AttractorBiases[a]
		s += resonance.Dot(p.EncodedVector, e.actionVector(a))
		s += obs.Features[a]
		if recall {
			s += e.recall(a)
		}
		if attend {
			s += e.session.Attention[a]
		}
		if deliberate {
			s += decay * e.session.Belief[a]
		}
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return decision{}, core.NewValidationError("engine.Step", "scores", fmt.Sprintf("score for action %q is not finite", a))
		}
		scores[i] = s
	}

	temperature := e.agent.CollapseDynamics.Temperature
	if !(temperature > 0) || math.IsInf(temperature, 0) {
		temperature = 1
	}
	probs := softmax(scores, temperature)

	belief := make(map[string]float64, len(candidates))
	var entropy float64
	chosen, best := "", math.Inf(-1)
	for i, a := range candidates {
		pr := probs[i]
		belief[a] = pr
		if pr > 0 {
			entropy -= pr * math.Log(pr)
		}
		if pr > best || (pr == best && a < chosen) {
			chosen, best = a, pr
		}
	}

	var normalized float64
	if len(candidates) > 1 {
		normalized = entropy / math.Log(float64(len(candidates)))
	}

	return decision{belief: belief, entropy: entropy, normalizedEntropy: normalized, chosen: chosen}, nil
}

// actionVector encodes an action name against the body primes once and
// caches the result for the current perception config.
func (e *Engine) actionVector(action string) []float64 {
	if v, ok := e.actionVectors[action]; ok {
		return v
	}
	p, err := e.encoder.Encode(action, e.bodyPrimes)
	if err != nil {
		return nil
	}
	e.actionVectors[action] = p.EncodedVector
	return p.EncodedVector
}

// recall is the mean cosine of the most recent phases stored on the prime an
// action maps to.
func (e *Engine) recall(action string) float64 {
	phases := e.memoryPhases[resonance.PrimeFor(action, e.bodyPrimes)]
	if len(phases) == 0 {
		return 0
	}
	if len(phases) > recallWindow {
		phases = phases[len(phases)-recallWindow:]
	}
	var sum float64
	for _, ph := range phases {
		sum += math.Cos(ph)
	}
	return sum / float64(len(phases))
}

func softmax(scores []float64, temperature float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	hi := slices.Max(scores)
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp((s - hi) / temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// updateAttention folds the observed tokens into the attention map by EMA.
// Keys not observed this step decay toward zero.
func updateAttention(attention map[string]float64, tokens []string) {
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	for k, v := range attention {
		if !seen[k] {
			attention[k] = (1 - attentionAlpha) * v
		}
	}
	for t := range seen {
		attention[t] = (1-attentionAlpha)*attention[t] + attentionAlpha
	}
}

// rotate applies the step rotation derived from the percept vector and the
// normalized entropy, keeping the result at unit norm.
func rotate(q core.Quaternion, vec []float64, normalizedEntropy float64) core.Quaternion {
	axis := [3]float64{}
	copy(axis[:], vec)
	r := core.FromAxisAngle(axis[0], axis[1], axis[2], math.Pi*(0.25+normalizedEntropy))
	return r.Mul(q).Normalize()
}
