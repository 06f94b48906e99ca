package workflow

import (
	_ "embed"
	"fmt"
	"math"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed subphases.yaml
var subPhaseCatalogYAML []byte

// SubPhaseSpec is one catalog entry: a named sub-phase and its weight
// within the parent phase.
type SubPhaseSpec struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

type catalogFile struct {
	Phases map[string][]SubPhaseSpec `yaml:"phases"`
}

// subPhaseCatalog is the parsed catalog, keyed by phase.
var subPhaseCatalog map[Phase][]SubPhaseSpec

func init() {
	catalog, err := parseCatalog(subPhaseCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("workflow: invalid embedded sub-phase catalog: %v", err))
	}
	subPhaseCatalog = catalog
}

// parseCatalog decodes and validates a sub-phase catalog: known phases
// only, and per-phase weights summing to 1.
func parseCatalog(data []byte) (map[Phase][]SubPhaseSpec, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	catalog := make(map[Phase][]SubPhaseSpec, len(file.Phases))
	for name, specs := range file.Phases {
		phase := Phase(name)
		if !phase.Valid() {
			return nil, fmt.Errorf("unknown phase %q", name)
		}

		var sum float64
		for _, spec := range specs {
			if spec.Name == "" {
				return nil, fmt.Errorf("phase %s: sub-phase with empty name", name)
			}
			if spec.Weight <= 0 {
				return nil, fmt.Errorf("phase %s: sub-phase %s has non-positive weight", name, spec.Name)
			}
			sum += spec.Weight
		}
		if len(specs) > 0 && math.Abs(sum-1) > 1e-9 {
			return nil, fmt.Errorf("phase %s: sub-phase weights sum to %v, want 1", name, sum)
		}

		catalog[phase] = specs
	}

	return catalog, nil
}

// SubPhases returns the catalog entries for a phase.
func SubPhases(phase Phase) []SubPhaseSpec {
	return subPhaseCatalog[phase]
}
