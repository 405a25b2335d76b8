package scenario

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

var (
	// ErrInvalidScenario is returned for malformed scenario documents.
	ErrInvalidScenario = errors.New("invalid scenario")
	// ErrDiverged is returned when the incremental result of a step disagrees with a full
	// re-evaluation or with the replay of the emitted deltas.
	ErrDiverged = errors.New("incremental and full evaluation diverged")
)

// Scenario is a leaf collection of integers, a pipeline of operators over it and a sequence of
// mutations applied to the leaf.
type Scenario struct {
	Name     string  `json:"name"`
	Source   []int64 `json:"source,omitempty"`
	Pipeline []Stage `json:"pipeline"`
	Steps    []Step  `json:"steps,omitempty"`
}

// Stage is one operator of the pipeline. Exactly one field must be set.
type Stage struct {
	Where      *ModSpec    `json:"where,omitempty"`
	SelectMany *FanoutSpec `json:"selectMany,omitempty"`
	// GroupBy groups by x mod Mod. As the last stage the output is the group set, otherwise the
	// groups are flattened back into a sequence.
	GroupBy *ModSpec `json:"groupBy,omitempty"`
}

// ModSpec selects items by their remainder.
type ModSpec struct {
	Mod int64 `json:"mod"`
	Rem int64 `json:"rem,omitempty"`
}

// FanoutSpec expands x into x*10, x*10+1, ..., x*10+Fanout-1. With Observable set the expansion
// is a shared nested collection per distinct x.
type FanoutSpec struct {
	Fanout     int64 `json:"fanout"`
	Observable bool  `json:"observable,omitempty"`
}

// Step is one mutation of the leaf. Exactly one field must be set.
type Step struct {
	Add     []int64      `json:"add,omitempty"`
	Remove  *int64       `json:"remove,omitempty"`
	Replace *ReplaceSpec `json:"replace,omitempty"`
	Reset   *[]int64     `json:"reset,omitempty"`
}

// ReplaceSpec replaces Old with New.
type ReplaceSpec struct {
	Old int64 `json:"old"`
	New int64 `json:"new"`
}

// Load parses and validates a scenario document.
func Load(data []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.UnmarshalStrict(data, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile reads a scenario from a file.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %q: %w", path, err)
	}
	return Load(data)
}

// Validate checks the structure of the scenario.
func (s *Scenario) Validate() error {
	if len(s.Pipeline) == 0 {
		return fmt.Errorf("%w: empty pipeline", ErrInvalidScenario)
	}
	for i, st := range s.Pipeline {
		if err := st.validate(); err != nil {
			return fmt.Errorf("%w: stage %d: %w", ErrInvalidScenario, i, err)
		}
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("%w: step %d: %w", ErrInvalidScenario, i, err)
		}
	}
	return nil
}

func (st Stage) kind() string {
	switch {
	case st.Where != nil:
		return "where"
	case st.SelectMany != nil && st.SelectMany.Observable:
		return "selectmany-observable"
	case st.SelectMany != nil:
		return "selectmany"
	case st.GroupBy != nil:
		return "groupby"
	}
	return "unknown"
}

func (st Stage) validate() error {
	n := 0
	if st.Where != nil {
		n++
		if st.Where.Mod <= 0 {
			return fmt.Errorf("where: mod must be positive, got %d", st.Where.Mod)
		}
	}
	if st.SelectMany != nil {
		n++
		if st.SelectMany.Fanout <= 0 {
			return fmt.Errorf("selectMany: fanout must be positive, got %d", st.SelectMany.Fanout)
		}
	}
	if st.GroupBy != nil {
		n++
		if st.GroupBy.Mod <= 0 {
			return fmt.Errorf("groupBy: mod must be positive, got %d", st.GroupBy.Mod)
		}
	}
	if n != 1 {
		return fmt.Errorf("expected exactly one operator, got %d", n)
	}
	return nil
}

func (st Step) validate() error {
	n := 0
	for _, set := range []bool{st.Add != nil, st.Remove != nil, st.Replace != nil, st.Reset != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("expected exactly one mutation, got %d", n)
	}
	return nil
}

// String returns a short description of the step.
func (st Step) String() string {
	switch {
	case st.Add != nil:
		return fmt.Sprintf("add %v", st.Add)
	case st.Remove != nil:
		return fmt.Sprintf("remove %d", *st.Remove)
	case st.Replace != nil:
		return fmt.Sprintf("replace %d with %d", st.Replace.Old, st.Replace.New)
	case st.Reset != nil:
		return fmt.Sprintf("reset %v", *st.Reset)
	}
	return "noop"
}

func mod(x, m int64) int64 { return ((x % m) + m) % m }

func (m ModSpec) match(x int64) bool { return mod(x, m.Mod) == m.Rem }

func (m ModSpec) key(x int64) int64 { return mod(x, m.Mod) }

func (f FanoutSpec) expand(x int64) []int64 {
	ret := make([]int64, 0, f.Fanout)
	for i := int64(0); i < f.Fanout; i++ {
		ret = append(ret, x*10+i)
	}
	return ret
}
