package matcher

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/contribrank/pkg/types"
)

type match struct {
	result   types.ScoredResult
	priority float64
}

// MatchOpportunities scores each open candidate for user and returns them
// ordered by match score desc, priority desc, then id asc.
//
// Candidates owned by a repository in excludedRepositoryIDs, or whose status
// is not open, are dropped before scoring. prefs may be nil: the
// preference-based terms then contribute nothing. A nil user is reported as
// a NotFoundError.
func MatchOpportunities(
	ctx context.Context,
	user *types.User,
	prefs *types.UserPreference,
	candidates []*types.Opportunity,
	excludedRepositoryIDs []string,
	w Weights,
) ([]types.ScoredResult, error) {
	if user == nil {
		return nil, &types.NotFoundError{Entity: "user"}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(excludedRepositoryIDs))
	for _, id := range excludedRepositoryIDs {
		excluded[id] = struct{}{}
	}
	eligible := make([]*types.Opportunity, 0, len(candidates))
	for _, opp := range candidates {
		if opp == nil || opp.Status != types.StatusOpen {
			continue
		}
		if _, skip := excluded[opp.RepositoryID]; skip {
			continue
		}
		eligible = append(eligible, opp)
	}
	if len(eligible) == 0 {
		return []types.ScoredResult{}, nil
	}

	out := make([]match, len(eligible))
	batch := w.batchSize()
	score := func(ctx context.Context, lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := lo; i < hi; i++ {
			out[i] = scoreOpportunity(user, prefs, eligible[i], w)
		}
		return nil
	}

	if len(eligible) <= batch {
		if err := score(ctx, 0, len(eligible)); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for lo := 0; lo < len(eligible); lo += batch {
			lo, hi := lo, min(lo+batch, len(eligible))
			g.Go(func() error { return score(gctx, lo, hi) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.result.MatchScore != b.result.MatchScore {
			return a.result.MatchScore > b.result.MatchScore
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.result.ItemID < b.result.ItemID
	})

	results := make([]types.ScoredResult, len(out))
	for i, m := range out {
		results[i] = m.result
	}
	return results, nil
}

func scoreOpportunity(user *types.User, prefs *types.UserPreference, opp *types.Opportunity, w Weights) match {
	var total float64
	reasons := make([]string, 0, 5)
	add := func(v float64, reason string) {
		total += v
		if v > w.ReasonEpsilon {
			reasons = append(reasons, reason)
		}
	}

	priority := types.Clamp(opp.Priority, 0, 100)
	add(w.Base*priority/100, fmt.Sprintf("priority %.0f", priority))

	if fit, ok := SkillFit(user.SkillLevel, opp.Difficulty, exploration(prefs)); ok {
		reason := fmt.Sprintf("%s difficulty matches your %s level", opp.Difficulty, user.SkillLevel)
		if opp.Difficulty != user.SkillLevel {
			reason = fmt.Sprintf("%s difficulty near your %s level", opp.Difficulty, user.SkillLevel)
		}
		add(w.Skill*fit, reason)
	}

	if prefs.PrefersType(opp.Type) {
		add(w.Type, fmt.Sprintf("preferred contribution type %s", opp.Type))
	}

	if prefs != nil {
		fit := TimeFit(opp.EstimatedHours, prefs.MaxEstimatedHours)
		reason := "fits your time budget"
		if fit < 1 {
			reason = "slightly over your time budget"
		}
		add(w.Time*fit, reason)
	}

	if opp.RequiredSkills.Len() > 0 {
		ratio := opp.RequiredSkills.OverlapRatio(user.PreferredLanguages)
		add(w.Tech*ratio, "uses "+strings.Join(sharedSkills(opp.RequiredSkills, user.PreferredLanguages), ", "))
	}

	return match{
		result: types.ScoredResult{
			ItemID:     opp.ID,
			MatchScore: types.Clamp01(total),
			Reasons:    reasons,
		},
		priority: opp.Priority,
	}
}

func exploration(prefs *types.UserPreference) float64 {
	if prefs == nil {
		return 0
	}
	return types.Clamp01(prefs.ExplorationWeight)
}

// SkillFit returns 1 - |skill-difficulty|/3, with the penalty softened by up
// to half for users who opt into exploration. ok is false when either level
// is unknown.
func SkillFit(skill, difficulty types.Difficulty, exploration float64) (float64, bool) {
	s, ok1 := skill.Ordinal()
	d, ok2 := difficulty.Ordinal()
	if !ok1 || !ok2 {
		return 0, false
	}
	gap := math.Abs(float64(s-d)) / types.MaxDifficultyOrdinal
	return 1 - gap*(1-0.5*types.Clamp01(exploration)), true
}

// TimeFit returns 1 when hours is within maxHours or there is no cap,
// decays linearly to 0 at twice the cap, and is 0 beyond that. Unknown
// hours under a cap score 0.
func TimeFit(hours, maxHours *float64) float64 {
	if maxHours == nil {
		return 1
	}
	if hours == nil {
		return 0
	}
	h, limit := *hours, *maxHours
	switch {
	case h <= limit:
		return 1
	case limit <= 0 || h >= 2*limit:
		return 0
	default:
		return (2*limit - h) / limit
	}
}

func sharedSkills(required, preferred types.Set) []string {
	var out []string
	for _, s := range required.Items() {
		if preferred.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}
