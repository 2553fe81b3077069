package expr

import (
	"fmt"
	"maps"
	"slices"
)

// CheckSet is an immutable set of named boolean programs.
type CheckSet struct {
	names    []string
	programs map[string]Program
}

// CompileChecks compiles every expression in checks. One bad expression fails
// the whole set so a reload never half-applies.
func (e *Environment) CompileChecks(checks map[string]string) (*CheckSet, error) {
	set := &CheckSet{
		names:    slices.Sorted(maps.Keys(checks)),
		programs: make(map[string]Program, len(checks)),
	}
	for _, name := range set.names {
		program, err := e.Compile(checks[name])
		if err != nil {
			return nil, fmt.Errorf("expr: check %q: %w", name, err)
		}
		set.programs[name] = program
	}
	return set, nil
}

// Names lists the checks in evaluation order.
func (s *CheckSet) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.names)
}

// Merge returns a new set holding s's checks overlaid by other's.
func (s *CheckSet) Merge(other *CheckSet) *CheckSet {
	merged := &CheckSet{programs: make(map[string]Program)}
	for _, src := range []*CheckSet{s, other} {
		if src == nil {
			continue
		}
		maps.Copy(merged.programs, src.programs)
	}
	merged.names = slices.Sorted(maps.Keys(merged.programs))
	return merged
}

// Evaluate runs every check against vars. Failing checks are reported in
// errs and omitted from results.
func (s *CheckSet) Evaluate(vars map[string]any) (results map[string]bool, errs map[string]error) {
	results = make(map[string]bool)
	if s == nil {
		return results, nil
	}
	for _, name := range s.names {
		ok, err := s.programs[name].EvalBool(vars)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[name] = err
			continue
		}
		results[name] = ok
	}
	return results, errs
}
