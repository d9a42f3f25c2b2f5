package phase_test

import (
	"os"
	"path/filepath"
	"testing"

	"skyconsole/phase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemplate(t *testing.T) {
	tmpl, err := phase.ParseTemplate([]byte(`
name: quick
phases:
  - phase: planning
    weight: 10
  - id: search
    phase: searching
    title: Searching the web
    weight: 40
  - phase: writing
    weight: 50
`))
	require.NoError(t, err)

	assert.Equal(t, "quick", tmpl.Name)
	require.Len(t, tmpl.Phases, 3)
	assert.Equal(t, phase.PhaseSpec{ID: "planning", Phase: "planning", Title: "planning", Weight: 10}, tmpl.Phases[0])
	assert.Equal(t, phase.PhaseSpec{ID: "search", Phase: "searching", Title: "Searching the web", Weight: 40}, tmpl.Phases[1])
	assert.Equal(t, []float64{10, 40, 50}, tmpl.Weights())
}

func TestParseTemplateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		weights bool
	}{
		{"malformed yaml", "phases: [", false},
		{"no phases", "name: empty\n", false},
		{"unnamed phase", "phases:\n  - weight: 100\n", false},
		{"duplicate ids", "phases:\n  - phase: a\n  - phase: a\n", false},
		{"weights do not sum to 100", "phases:\n  - phase: a\n    weight: 30\n  - phase: b\n    weight: 30\n", true},
		{"partial weights", "phases:\n  - phase: a\n    weight: 100\n  - phase: b\n", true},
		{"negative weight", "phases:\n  - phase: a\n    weight: -10\n  - phase: b\n    weight: 110\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := phase.ParseTemplate([]byte(tt.yaml))
			require.Error(t, err)
			if tt.weights {
				assert.ErrorIs(t, err, phase.ErrInvalidWeights)
			}
		})
	}
}

func TestTemplateWeightTolerance(t *testing.T) {
	tmpl := phase.Template{Phases: []phase.PhaseSpec{
		{Phase: "a", Weight: 33.33},
		{Phase: "b", Weight: 33.33},
		{Phase: "c", Weight: 33.33},
	}}
	assert.NoError(t, tmpl.Validate())
}

func TestTemplateEvenWeights(t *testing.T) {
	tmpl := phase.Template{Phases: []phase.PhaseSpec{{Phase: "a"}, {Phase: "b"}, {Phase: "c"}, {Phase: "d"}}}
	assert.Equal(t, []float64{25, 25, 25, 25}, tmpl.Weights())
}

func TestLoadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: single\nphases:\n  - phase: writing\n"), 0o644))

	tmpl, err := phase.LoadTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "single", tmpl.Name)

	_, err = phase.LoadTemplate(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
