package pipeline

import (
	"math"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// PhaseWeight is one step of a plan and its share of the 0..100 progress
// scale. Optional phases that do not run count as completed.
type PhaseWeight struct {
	Phase    model.Phase
	Weight   float64
	Optional bool
}

var urlPlan = []PhaseWeight{
	{Phase: model.PhaseFetch, Weight: 15},
	{Phase: model.PhaseExtract, Weight: 40},
	{Phase: model.PhaseValidate, Weight: 25},
	{Phase: model.PhaseRepairJSON, Weight: 2, Optional: true},
	{Phase: model.PhaseRepairParaphrase, Weight: 3, Optional: true},
	{Phase: model.PhaseReviewReady, Weight: 10},
}

var normalizePlan = []PhaseWeight{
	{Phase: model.PhaseFetchRecipe, Weight: 20},
	{Phase: model.PhaseNormalize, Weight: 65},
	{Phase: model.PhaseReviewReady, Weight: 10},
}

// discoverWeight is Discover's share in query mode. The url phases and the
// finalization slice are scaled down to make room for it.
const discoverWeight = 10

// Plan returns the phases run for mode, in order. The weights sum to less
// than 100; the remainder is the finalization slice credited when the task
// reaches review_ready.
func Plan(mode model.Mode) []PhaseWeight {
	switch mode {
	case model.ModeURL:
		return append([]PhaseWeight(nil), urlPlan...)
	case model.ModeQuery:
		scale := (100 - discoverWeight) / 100.0
		out := []PhaseWeight{{Phase: model.PhaseDiscover, Weight: discoverWeight}}
		for _, w := range urlPlan {
			w.Weight *= scale
			out = append(out, w)
		}
		return out
	case model.ModeNormalize:
		return append([]PhaseWeight(nil), normalizePlan...)
	}
	return nil
}

// progress turns phase completion into the published 0..100 value. It never
// goes backwards, including across a resumed run seeded with the stored
// value.
type progress struct {
	weights map[model.Phase]float64
	done    float64
	last    int
}

func newProgress(plan []PhaseWeight, floor int) *progress {
	p := &progress{weights: make(map[model.Phase]float64, len(plan)), last: floor}
	for _, w := range plan {
		p.weights[w.Phase] = w.Weight
	}
	return p
}

// start is the value published when phase begins.
func (p *progress) start() int { return p.value(p.done) }

// within is the value at fraction (0..1) through phase.
func (p *progress) within(phase model.Phase, fraction float64) int {
	fraction = math.Max(0, math.Min(1, fraction))
	return p.value(p.done + p.weights[phase]*fraction)
}

// finish credits phase, whether it ran or was skipped.
func (p *progress) finish(phase model.Phase) { p.done += p.weights[phase] }

// complete is the value of a task that reached review_ready.
func (p *progress) complete() int {
	p.done = 100
	return p.value(100)
}

func (p *progress) value(x float64) int {
	v := int(math.Floor(x + 1e-9))
	if v > 100 {
		v = 100
	}
	if v < p.last {
		v = p.last
	}
	p.last = v
	return v
}
