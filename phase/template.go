package phase

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Well-known research phases, in their usual order. Templates may use any
// other phase name as well.
const (
	Planning  = "planning"
	Searching = "searching"
	Reading   = "reading"
	Analyzing = "analyzing"
	Writing   = "writing"
)

// ErrInvalidWeights is returned when a weighting table does not sum to 100.
var ErrInvalidWeights = errors.New("phase weights must be positive and sum to 100")

// weightTolerance absorbs decimal rounding in hand-written tables (3 x 33.33).
const weightTolerance = 0.05

// PhaseSpec declares one block of a task template.
type PhaseSpec struct {
	ID     string  `yaml:"id,omitempty" json:"id"`         // Block id; defaults to the phase name
	Phase  string  `yaml:"phase" json:"phase"`             // Phase name carried by backend events
	Title  string  `yaml:"title,omitempty" json:"title"`   // Display title; defaults to the phase name
	Weight float64 `yaml:"weight,omitempty" json:"weight"` // Share of overall progress; 0 means "split evenly"
}

// Template is the fixed, ordered set of blocks a task run is built from.
type Template struct {
	Name   string      `yaml:"name" json:"name"`
	Phases []PhaseSpec `yaml:"phases" json:"phases"`
}

// DefaultTemplate is the multi-stage research template.
func DefaultTemplate() Template {
	return Template{
		Name: "research",
		Phases: []PhaseSpec{
			{Phase: Planning},
			{Phase: Searching},
			{Phase: Reading},
			{Phase: Analyzing},
			{Phase: Writing},
		},
	}
}

// LoadTemplate reads and validates a YAML template file.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("failed to read phase template: %w", err)
	}
	return ParseTemplate(data)
}

// ParseTemplate decodes and validates a YAML template.
//
// Example:
//
//	name: research
//	phases:
//	  - phase: planning
//	    weight: 10
//	  - phase: searching
//	    weight: 40
//	  - phase: writing
//	    weight: 50
func ParseTemplate(data []byte) (Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, fmt.Errorf("failed to parse phase template: %w", err)
	}
	tmpl = tmpl.normalized()
	if err := tmpl.Validate(); err != nil {
		return Template{}, err
	}
	return tmpl, nil
}

// normalized fills in defaulted ids and titles.
func (t Template) normalized() Template {
	phases := make([]PhaseSpec, len(t.Phases))
	for i, p := range t.Phases {
		if p.ID == "" {
			p.ID = p.Phase
		}
		if p.Title == "" {
			p.Title = p.Phase
		}
		phases[i] = p
	}
	t.Phases = phases
	return t
}

// Validate checks that the template has blocks, that block ids are unique and
// that a weighting table, when present, covers every block and sums to 100.
func (t Template) Validate() error {
	if len(t.Phases) == 0 {
		return errors.New("phase template has no phases")
	}

	seen := make(map[string]bool, len(t.Phases))
	weighted := 0
	sum := 0.0
	for i, p := range t.normalized().Phases {
		if p.Phase == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate block id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Weight < 0 {
			return fmt.Errorf("block %q: %w", p.ID, ErrInvalidWeights)
		}
		if p.Weight > 0 {
			weighted++
			sum += p.Weight
		}
	}

	if weighted == 0 {
		return nil
	}
	if weighted != len(t.Phases) {
		return fmt.Errorf("%d of %d blocks have weights: %w", weighted, len(t.Phases), ErrInvalidWeights)
	}
	if math.Abs(sum-100) > weightTolerance {
		return fmt.Errorf("weights sum to %.2f: %w", sum, ErrInvalidWeights)
	}
	return nil
}

// Weights returns the progress weight of every block, splitting 100 evenly
// when the template carries no weighting table.
func (t Template) Weights() []float64 {
	weights := make([]float64, len(t.Phases))
	even := true
	for _, p := range t.Phases {
		if p.Weight > 0 {
			even = false
			break
		}
	}
	for i, p := range t.Phases {
		if even {
			weights[i] = 100 / float64(len(t.Phases))
		} else {
			weights[i] = p.Weight
		}
	}
	return weights
}
