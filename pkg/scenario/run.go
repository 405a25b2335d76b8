package scenario

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-logr/logr"

	"github.com/l7mp/reactive-collections/pkg/delta"
	"github.com/l7mp/reactive-collections/pkg/reactive"
	"github.com/l7mp/reactive-collections/pkg/util"
)

// Result is the outcome of a scenario run.
type Result struct {
	Name    string       `json:"name"`
	Initial string       `json:"initial"`
	Steps   []StepResult `json:"steps"`
}

// StepResult describes the effect of one step on the pipeline output.
type StepResult struct {
	Step    string   `json:"step"`
	Version int64    `json:"version"`
	Deltas  []string `json:"deltas"`
	Value   string   `json:"value"`
}

// runner holds the state of a run.
type runner struct {
	s        *Scenario
	leaf     *reactive.List[int64]
	pipe     *pipeline
	items    *delta.Recorder[int64]
	groups   *delta.Recorder[*group]
	baseline []int64
	groupSet []*group
	log      logr.Logger
}

// Run builds the pipeline and applies the steps one by one. After every step the pulled output is
// checked against the replay of the emitted deltas and against a pipeline built from scratch over
// the current leaf value. The report is returned even if a check fails.
func (s *Scenario) Run(log logr.Logger) (*Result, error) {
	log = log.WithName("scenario").WithValues("name", s.Name)
	r := &runner{s: s, log: log}
	report := &Result{Name: s.Name}

	defer r.close()
	if err := r.setup(); err != nil {
		return report, err
	}

	initial, err := r.pipe.summarize()
	if err != nil {
		return report, err
	}
	report.Initial = initial.String()
	log.V(2).Info("pipeline ready", "value", report.Initial)

	for i, step := range s.Steps {
		sr, err := r.step(step)
		report.Steps = append(report.Steps, sr)
		if err != nil {
			return report, fmt.Errorf("step %d (%s): %w", i, step, err)
		}
	}

	return report, nil
}

func (r *runner) setup() error {
	leaf, err := reactive.NewList(r.s.Source, reactive.WithLogger(r.log), reactive.WithName("leaf"))
	if err != nil {
		return err
	}
	r.leaf = leaf

	pipe, err := build(leaf, r.s.Pipeline, r.log)
	if err != nil {
		return err
	}
	r.pipe = pipe

	// pull first: a lazily materialized operator ignores events until then
	if pipe.groups == nil {
		if r.baseline, err = pipe.out.GetValue(nil); err != nil {
			return err
		}
		r.items = delta.NewRecorder[int64](r.log)
		_, err = pipe.out.AddObserver(r.items)
		return err
	}

	if r.groupSet, err = pipe.groups.GetValue(nil); err != nil {
		return err
	}
	r.groups = delta.NewRecorder[*group](r.log)
	_, err = pipe.groups.AddObserver(r.groups)
	return err
}

func (r *runner) close() {
	if r.pipe != nil {
		r.pipe.close()
	}
	if r.leaf != nil {
		r.leaf.Dispose()
	}
}

func (r *runner) apply(step Step) error {
	switch {
	case step.Add != nil:
		return r.leaf.Add(step.Add...)
	case step.Remove != nil:
		_, err := r.leaf.Remove(*step.Remove)
		return err
	case step.Replace != nil:
		_, err := r.leaf.Replace(step.Replace.Old, step.Replace.New)
		return err
	case step.Reset != nil:
		return r.leaf.Reset(*step.Reset)
	}
	return nil
}

func (r *runner) step(step Step) (StepResult, error) {
	sr := StepResult{Step: step.String(), Deltas: []string{}}
	if err := r.apply(step); err != nil {
		return sr, err
	}

	pulled, err := r.pipe.summarize()
	if err != nil {
		return sr, err
	}
	sr.Value = pulled.String()

	fresh, err := r.fresh()
	if err != nil {
		return sr, err
	}

	var replayErr error
	if r.pipe.groups == nil {
		sr.Version = r.pipe.out.Version()
		sr.Deltas = util.Map(func(d delta.Delta[int64]) string { return d.String() }, r.items.Deltas())
		replayErr = r.replayItems(pulled)
	} else {
		sr.Version = r.pipe.groups.Version()
		sr.Deltas = util.Map(func(d delta.Delta[*group]) string { return groupDeltaString(d) }, r.groups.Deltas())
		replayErr = r.replayGroups(pulled)
	}
	r.log.V(2).Info("step done", "step", sr.Step, "version", sr.Version, "deltas", len(sr.Deltas))

	return sr, errors.Join(replayErr, compare("full re-evaluation", pulled, fresh))
}

// fresh evaluates a new pipeline over a copy of the current leaf.
func (r *runner) fresh() (summary, error) {
	items, err := r.leaf.GetValue(nil)
	if err != nil {
		return summary{}, err
	}
	leaf, err := reactive.NewList(items)
	if err != nil {
		return summary{}, err
	}
	defer leaf.Dispose()
	pipe, err := build(leaf, r.s.Pipeline, logr.Discard())
	if err != nil {
		return summary{}, err
	}
	defer pipe.close()
	return pipe.summarize()
}

func (r *runner) replayItems(pulled summary) error {
	replayed, err := delta.Replay(r.baseline, r.items.Deltas(), reactive.IdentityEqualer[int64]())
	r.items.Reset()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiverged, err)
	}
	r.baseline = replayed
	return compare("delta replay", pulled, summary{items: replayed})
}

func (r *runner) replayGroups(pulled summary) error {
	replayed, err := delta.Replay(r.groupSet, r.groups.Deltas(), reactive.IdentityEqualer[*group]())
	r.groups.Reset()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiverged, err)
	}
	r.groupSet = replayed
	got, err := summarizeGroups(replayed)
	if err != nil {
		return err
	}
	return compare("delta replay", pulled, got)
}

func compare(what string, want, got summary) error {
	eq := reactive.IdentityEqualer[int64]()
	if want.groups == nil {
		if !delta.SameItems(want.items, got.items, eq) {
			return fmt.Errorf("%w: %s: want %v, got %v", ErrDiverged, what, want, got)
		}
		return nil
	}
	if !slices.Equal(slices.Sorted(maps.Keys(want.groups)), slices.Sorted(maps.Keys(got.groups))) {
		return fmt.Errorf("%w: %s: group keys differ: want %v, got %v", ErrDiverged, what, want, got)
	}
	for key, members := range want.groups {
		if !delta.SameItems(members, got.groups[key], eq) {
			return fmt.Errorf("%w: %s: group %d: want %v, got %v", ErrDiverged, what, key, members, got.groups[key])
		}
	}
	return nil
}

func groupDeltaString(d delta.Delta[*group]) string {
	switch d.Type {
	case delta.Added, delta.Deleted:
		return fmt.Sprintf("%s(group %d)@%d", d.Type, d.Object.Key(), d.Version)
	default:
		return fmt.Sprintf("%s(breaking=%t)@%d", d.Type, d.Breaking, d.Version)
	}
}
