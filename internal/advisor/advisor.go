// Package advisor coordinates optional outside advice on how to resolve a
// conflict. Advice is only ever a proposal: the ledger applies it.
package advisor

import (
	"context"
	"math"

	"quietcal/internal/apperr"
	"quietcal/internal/model"
)

// Advice is a validated proposal. Patch is the recommended mutation;
// Alternatives are other acceptable ones, best first.
type Advice struct {
	Patch        model.Patch
	Alternatives []model.Patch
	Confidence   float64
	Source       string
	Rationale    string
}

// Advisor proposes a resolution for one conflict on one event.
type Advisor interface {
	Suggest(ctx context.Context, c model.Conflict, ev model.Event) (Advice, error)
}

const SourceHeuristic = "heuristic"

// heuristicConfidence is reported for the detector's own fallback.
const heuristicConfidence = 0.5

// Heuristic turns the detector's suggested start into a shift. It never
// performs I/O and is the guaranteed fallback.
type Heuristic struct{}

func (Heuristic) Suggest(_ context.Context, c model.Conflict, ev model.Event) (Advice, error) {
	if c.SuggestedStart == nil {
		return Advice{}, apperr.Validation("heuristic", "conflict %s carries no suggested start", c.ID)
	}
	minutes := int(math.Round(c.SuggestedStart.Sub(ev.StartsAt).Minutes()))
	return Advice{
		Patch:      model.Shift{Minutes: minutes},
		Confidence: heuristicConfidence,
		Source:     SourceHeuristic,
		Rationale:  "start right after the " + c.WindowName + " window ends at " + c.SuggestedStart.Format("15:04 MST"),
	}, nil
}
