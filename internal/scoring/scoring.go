// Package scoring converts proximity candidates into the ranked offer list
// the cascade walks. Scoring reorders; it never excludes. Exclusion is a
// separate eligibility filter applied to the ranked list before dispatch.
package scoring

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/courier-dispatch/internal/models"
)

const (
	ratingWeight   = 0.7
	fairnessWeight = 0.3
)

// StatsSource answers the scorer's per-driver statistics query.
type StatsSource interface {
	DriverStats(ctx context.Context, driverIDs []string) (map[string]models.DriverStats, error)
}

// Eligibility is the collaborator consulted when filtering the ranked
// list. It never runs inside the distance/rating hot path.
type Eligibility interface {
	CanReceiveOrders(ctx context.Context, driverID string) (bool, string, error)
}

type Scorer struct {
	Stats         StatsSource
	InternalBonus float64
	Logger        *slog.Logger
}

// Rank orders candidates descending by score, ties broken by distance
// ascending where known. Every candidate keeps a position: no truncation.
//
// When the stats lookup fails the scorer degrades to a plain
// distance-ascending ranking rather than aborting dispatch. Deliberate
// lenient fallback: a suboptimal cascade beats none.
func (s *Scorer) Rank(ctx context.Context, cands []models.Candidate, order *models.Order) []models.ScoredCandidate {
	if len(cands) == 0 {
		return nil
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DriverID
	}

	stats, err := s.Stats.DriverStats(ctx, ids)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("driver stats unavailable, falling back to distance order", "order_id", order.ID, "error", err)
		}
		return distanceFallback(cands)
	}

	avg := cohortAverage(cands, stats)

	out := make([]models.ScoredCandidate, 0, len(cands))
	for _, c := range cands {
		st, ok := stats[c.DriverID]
		if !ok {
			st = models.DefaultDriverStats()
		}
		fairness := fairnessScore(st.Assigned24h, avg)
		sc := models.ScoredCandidate{
			DriverID:    c.DriverID,
			DistanceKm:  c.DistanceKm,
			HasDistance: c.HasDistance,
			Score:       ratingWeight*(st.Rating/5.0) + fairnessWeight*fairness,
			Breakdown:   models.ScoreBreakdown{Rating: st.Rating, Fairness: fairness},
		}
		if order.PriorityClass() && st.Internal {
			sc.Score += s.InternalBonus
			sc.Breakdown.InternalBonus = s.InternalBonus
		}
		out = append(out, sc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].HasDistance && out[j].HasDistance {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].HasDistance
	})
	return out
}

// Filter removes ineligible candidates from the ranked list without
// re-ranking the remainder. An eligibility probe error keeps the
// candidate: better a possibly ineligible offer than a dropped driver.
func Filter(ctx context.Context, ranked []models.ScoredCandidate, elig Eligibility, logger *slog.Logger) []models.ScoredCandidate {
	if elig == nil {
		return ranked
	}
	out := make([]models.ScoredCandidate, 0, len(ranked))
	for _, c := range ranked {
		ok, reason, err := elig.CanReceiveOrders(ctx, c.DriverID)
		if err != nil {
			if logger != nil {
				logger.Warn("eligibility check failed, keeping candidate", "driver_id", c.DriverID, "error", err)
			}
			out = append(out, c)
			continue
		}
		if !ok {
			if logger != nil {
				logger.Debug("candidate filtered", "driver_id", c.DriverID, "reason", reason)
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// fairnessScore is 1.0 at or below half the cohort average, 0.0 at or
// above twice it, linear in between.
func fairnessScore(assigned24h int, avg float64) float64 {
	if avg <= 0 {
		return 1.0
	}
	ratio := float64(assigned24h) / avg
	switch {
	case ratio <= 0.5:
		return 1.0
	case ratio >= 2.0:
		return 0.0
	default:
		return (2.0 - ratio) / 1.5
	}
}

func cohortAverage(cands []models.Candidate, stats map[string]models.DriverStats) float64 {
	total := 0
	for _, c := range cands {
		total += stats[c.DriverID].Assigned24h
	}
	return float64(total) / float64(len(cands))
}

func distanceFallback(cands []models.Candidate) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, models.ScoredCandidate{
			DriverID:    c.DriverID,
			DistanceKm:  c.DistanceKm,
			HasDistance: c.HasDistance,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HasDistance != out[j].HasDistance {
			return out[i].HasDistance
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}
