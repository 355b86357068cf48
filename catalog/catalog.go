// Package catalog holds the process-wide, read-only configuration shared by
// engines and managers: the summonable layer table, the default action set
// and the agent templates. A Catalog is loaded once (normally from the
// embedded default.yaml) and injected through constructors.
package catalog

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/primemesh/core"
)

// Capabilities understood by the engine.
const (
	CapEncode     = "encode"
	CapRecall     = "recall"
	CapAttend     = "attend"
	CapDeliberate = "deliberate"
	CapPlan       = "plan"
)

//go:embed default.yaml
var defaultYAML []byte

// Layer is a named, independently activatable capability unit.
type Layer struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	Requires     []string `yaml:"requires" json:"requires,omitempty"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Cost         float64  `yaml:"cost" json:"cost"`
}

// Template is a static blueprint for agent creation.
type Template struct {
	Name              string                `yaml:"name" json:"name"`
	Description       string                `yaml:"description" json:"description"`
	BodyPrimes        []uint64              `yaml:"body_primes" json:"body_primes"`
	Layers            []string              `yaml:"layers" json:"layers"`
	PerceptionConfig  core.PerceptionConfig `yaml:"perception_config" json:"perception_config"`
	GoalPriors        map[string]float64    `yaml:"goal_priors" json:"goal_priors,omitempty"`
	AttractorBiases   map[string]float64    `yaml:"attractor_biases" json:"attractor_biases,omitempty"`
	CollapseDynamics  core.CollapseDynamics `yaml:"collapse_dynamics" json:"collapse_dynamics"`
	SafetyConstraints []string              `yaml:"safety_constraints" json:"safety_constraints,omitempty"`
}

// Spec converts the template into an agent spec named name.
func (t Template) Spec(name string) core.AgentSpec {
	return core.AgentSpec{
		Name:              name,
		BodyPrimes:        slices.Clone(t.BodyPrimes),
		PerceptionConfig:  t.PerceptionConfig,
		GoalPriors:        maps.Clone(t.GoalPriors),
		AttractorBiases:   maps.Clone(t.AttractorBiases),
		CollapseDynamics:  t.CollapseDynamics,
		SafetyConstraints: slices.Clone(t.SafetyConstraints),
	}
}

type document struct {
	Layers         []Layer    `yaml:"layers"`
	DefaultActions []string   `yaml:"default_actions"`
	Templates      []Template `yaml:"templates"`
}

// Catalog is immutable after construction; all accessors return copies.
type Catalog struct {
	layers         map[string]Layer
	layerOrder     []string
	defaultActions []string
	templates      map[string]Template
	templateOrder  []string
}

// Default returns the catalog parsed from the embedded default.yaml.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// LoadFile parses a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(doc.Layers, doc.DefaultActions, doc.Templates)
}

// New validates and assembles a catalog. Layer prerequisites must reference
// known layers and be acyclic; templates must name known layers.
func New(layers []Layer, defaultActions []string, templates []Template) (*Catalog, error) {
	const op = "catalog.New"

	c := &Catalog{
		layers:         make(map[string]Layer, len(layers)),
		defaultActions: slices.Clone(defaultActions),
		templates:      make(map[string]Template, len(templates)),
	}

	for _, l := range layers {
		if l.Name == "" {
			return nil, core.NewValidationError(op, "layers", "layer name must not be empty")
		}
		if _, dup := c.layers[l.Name]; dup {
			return nil, core.NewValidationError(op, "layers", fmt.Sprintf("duplicate layer %q", l.Name))
		}
		c.layers[l.Name] = cloneLayer(l)
		c.layerOrder = append(c.layerOrder, l.Name)
	}

	for _, l := range layers {
		for _, req := range l.Requires {
			if _, ok := c.layers[req]; !ok {
				return nil, core.NewValidationError(op, "layers", fmt.Sprintf("layer %q requires unknown layer %q", l.Name, req))
			}
		}
	}

	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}

	if len(c.defaultActions) == 0 {
		return nil, core.NewValidationError(op, "default_actions", "must not be empty")
	}

	for _, t := range templates {
		if t.Name == "" {
			return nil, core.NewValidationError(op, "templates", "template name must not be empty")
		}
		if _, dup := c.templates[t.Name]; dup {
			return nil, core.NewValidationError(op, "templates", fmt.Sprintf("duplicate template %q", t.Name))
		}
		for _, l := range t.Layers {
			if _, ok := c.layers[l]; !ok {
				return nil, core.NewValidationError(op, "templates", fmt.Sprintf("template %q references unknown layer %q", t.Name, l))
			}
		}
		c.templates[t.Name] = cloneTemplate(t)
		c.templateOrder = append(c.templateOrder, t.Name)
	}

	return c, nil
}

func (c *Catalog) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.layers))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return core.NewValidationError("catalog.New", "layers", fmt.Sprintf("dependency cycle through %q", name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, req := range c.layers[name].Requires {
			if err := visit(req); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range c.layerOrder {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Layer looks up a layer by name.
func (c *Catalog) Layer(name string) (Layer, bool) {
	l, ok := c.layers[name]
	if !ok {
		return Layer{}, false
	}
	return cloneLayer(l), true
}

// Layers returns all layers in declaration order.
func (c *Catalog) Layers() []Layer {
	out := make([]Layer, 0, len(c.layerOrder))
	for _, name := range c.layerOrder {
		out = append(out, cloneLayer(c.layers[name]))
	}
	return out
}

// DefaultActions returns the fallback candidate actions.
func (c *Catalog) DefaultActions() []string {
	return slices.Clone(c.defaultActions)
}

// Template looks up a template by name.
func (c *Catalog) Template(name string) (Template, bool) {
	t, ok := c.templates[name]
	if !ok {
		return Template{}, false
	}
	return cloneTemplate(t), true
}

// Templates returns all templates in declaration order.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.templateOrder))
	for _, name := range c.templateOrder {
		out = append(out, cloneTemplate(c.templates[name]))
	}
	return out
}

// MissingPrerequisites returns the prerequisites of layer absent from active.
func (c *Catalog) MissingPrerequisites(layer string, active []string) []string {
	var missing []string
	for _, req := range c.layers[layer].Requires {
		if !slices.Contains(active, req) {
			missing = append(missing, req)
		}
	}
	return missing
}

// HasCapability reports whether any of the active layers grants capability.
func (c *Catalog) HasCapability(active []string, capability string) bool {
	for _, name := range active {
		if slices.Contains(c.layers[name].Capabilities, capability) {
			return true
		}
	}
	return false
}

func cloneLayer(l Layer) Layer {
	l.Requires = slices.Clone(l.Requires)
	l.Capabilities = slices.Clone(l.Capabilities)
	return l
}

func cloneTemplate(t Template) Template {
	t.BodyPrimes = slices.Clone(t.BodyPrimes)
	t.Layers = slices.Clone(t.Layers)
	t.GoalPriors = maps.Clone(t.GoalPriors)
	t.AttractorBiases = maps.Clone(t.AttractorBiases)
	t.SafetyConstraints = slices.Clone(t.SafetyConstraints)
	return t
}
