package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/primemesh/core"
)

func TestDefault(t *testing.T) {
	c := Default()

	names := make([]string, 0)
	for _, l := range c.Layers() {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"perception", "memory", "attention", "reasoning", "planning"}, names)
	assert.Equal(t, []string{"observe", "explore", "exploit", "communicate", "rest"}, c.DefaultActions())

	reasoning, ok := c.Layer("reasoning")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"memory", "attention"}, reasoning.Requires)

	tpl, ok := c.Template("sentinel")
	require.True(t, ok)
	assert.Equal(t, []uint64{7, 11, 13}, tpl.BodyPrimes)
	assert.Equal(t, []string{"communicate"}, tpl.SafetyConstraints)
	assert.Len(t, c.Templates(), 3)
}

func TestCatalog_CopiesAreIsolated(t *testing.T) {
	c := Default()

	l, _ := c.Layer("memory")
	l.Requires[0] = "mutated"
	again, _ := c.Layer("memory")
	assert.Equal(t, "perception", again.Requires[0])

	tpl, _ := c.Template("scout")
	tpl.GoalPriors["explore"] = 99
	tpl2, _ := c.Template("scout")
	assert.InDelta(t, 0.6, tpl2.GoalPriors["explore"], 1e-9)

	actions := c.DefaultActions()
	actions[0] = "mutated"
	assert.Equal(t, "observe", c.DefaultActions()[0])
}

func TestMissingPrerequisites(t *testing.T) {
	c := Default()

	assert.Empty(t, c.MissingPrerequisites("perception", nil))
	assert.Equal(t, []string{"memory", "attention"}, c.MissingPrerequisites("reasoning", []string{"perception"}))
	assert.Equal(t, []string{"attention"}, c.MissingPrerequisites("reasoning", []string{"perception", "memory"}))
}

func TestHasCapability(t *testing.T) {
	c := Default()

	assert.True(t, c.HasCapability([]string{"perception"}, CapEncode))
	assert.False(t, c.HasCapability([]string{"perception"}, CapRecall))
	assert.True(t, c.HasCapability([]string{"perception", "memory"}, CapRecall))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown prerequisite", "layers:\n  - name: a\n    requires: [b]\ndefault_actions: [x]\n"},
		{"cycle", "layers:\n  - name: a\n    requires: [b]\n  - name: b\n    requires: [a]\ndefault_actions: [x]\n"},
		{"duplicate layer", "layers:\n  - name: a\n  - name: a\ndefault_actions: [x]\n"},
		{"no actions", "layers:\n  - name: a\n"},
		{"template unknown layer", "layers:\n  - name: a\ndefault_actions: [x]\ntemplates:\n  - name: t\n    layers: [zzz]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	_, err := Parse([]byte("layers: [:::"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("layers:\n  - name: solo\n    capabilities: [encode]\ndefault_actions: [wait]\n"), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wait"}, c.DefaultActions())
	_, ok := c.Layer("solo")
	assert.True(t, ok)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTemplate_Spec(t *testing.T) {
	tpl, ok := Default().Template("strategist")
	require.True(t, ok)

	spec := tpl.Spec("alpha")
	assert.Equal(t, "alpha", spec.Name)
	assert.Equal(t, tpl.BodyPrimes, spec.BodyPrimes)
	assert.InDelta(t, 0.4, spec.CollapseDynamics.Decay, 1e-9)
}
