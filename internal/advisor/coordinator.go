package advisor

import (
	"context"
	"strconv"
	"time"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

const defaultAdviseTimeout = 3 * time.Second

// Coordinator asks the primary advisor (if any) within a timeout and falls
// back to the heuristic whenever the primary fails, is unsure, or offers no
// direct patch. It never returns an upstream error.
type Coordinator struct {
	Primary       Advisor
	Fallback      Advisor
	Cache         Cache
	Timeout       time.Duration
	MinConfidence float64
}

// NewCoordinator wires primary (may be nil) with the heuristic fallback.
func NewCoordinator(primary Advisor, cache Cache) *Coordinator {
	return &Coordinator{
		Primary:  primary,
		Fallback: Heuristic{},
		Cache:    cache,
		Timeout:  defaultAdviseTimeout,
	}
}

// CacheKey keys advice by conflict and the event's current times, so a
// moved event never reuses stale advice.
func CacheKey(c model.Conflict, ev model.Event) string {
	return c.ID + "|" + strconv.FormatInt(ev.StartsAt.Unix(), 10) + "|" + strconv.FormatInt(ev.EndsAt.Unix(), 10)
}

func (co *Coordinator) Advise(ctx context.Context, c model.Conflict, ev model.Event) (Advice, error) {
	key := CacheKey(c, ev)
	if co.Cache != nil {
		if a, ok := co.Cache.Get(key); ok {
			return a, nil
		}
	}

	fallback := co.Fallback
	if fallback == nil {
		fallback = Heuristic{}
	}

	if co.Primary != nil {
		a, err := co.askPrimary(ctx, c, ev)
		if err == nil && a.Patch == nil && len(a.Alternatives) == 0 {
			err = apperr.Validation("advisor.advise", "primary returned no patch")
		}
		switch {
		case err != nil:
			appLog.Warn("advisor: primary failed, using heuristic", "conflict_id", c.ID, "err", err.Error())
		case a.Confidence < co.MinConfidence:
			appLog.Info("advisor: primary below confidence floor, using heuristic",
				"conflict_id", c.ID, "confidence", a.Confidence, "min", co.MinConfidence)
		default:
			if a.Patch == nil {
				// Alternatives only: keep them, but lead with the heuristic.
				fb, ferr := fallback.Suggest(ctx, c, ev)
				if ferr == nil {
					a.Patch = fb.Patch
					a.Source = SourceRemote + "+" + fb.Source
				} else {
					a.Patch = a.Alternatives[0]
					a.Alternatives = a.Alternatives[1:]
				}
			}
			co.remember(key, a)
			return a, nil
		}
	}

	a, err := fallback.Suggest(ctx, c, ev)
	if err != nil {
		return Advice{}, err
	}
	co.remember(key, a)
	return a, nil
}

func (co *Coordinator) askPrimary(ctx context.Context, c model.Conflict, ev model.Event) (Advice, error) {
	timeout := co.Timeout
	if timeout <= 0 {
		timeout = defaultAdviseTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return co.Primary.Suggest(cctx, c, ev)
}

func (co *Coordinator) remember(key string, a Advice) {
	if co.Cache != nil {
		co.Cache.Set(key, a)
	}
}

// Forget drops cached advice for the conflict/event pair.
func (co *Coordinator) Forget(c model.Conflict, ev model.Event) {
	if co.Cache != nil {
		co.Cache.Invalidate(CacheKey(c, ev))
	}
}
