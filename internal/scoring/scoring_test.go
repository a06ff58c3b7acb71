package scoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

type fakeStats struct {
	stats map[string]models.DriverStats
	err   error
}

func (f *fakeStats) DriverStats(ctx context.Context, ids []string) (map[string]models.DriverStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.DriverStats, len(ids))
	for _, id := range ids {
		if s, ok := f.stats[id]; ok {
			out[id] = s
		} else {
			out[id] = models.DefaultDriverStats()
		}
	}
	return out, nil
}

type fakeElig struct {
	blocked map[string]string
	err     error
}

func (f *fakeElig) CanReceiveOrders(ctx context.Context, driverID string) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	if reason, ok := f.blocked[driverID]; ok {
		return false, reason, nil
	}
	return true, "", nil
}

func cands(ids ...string) []models.Candidate {
	out := make([]models.Candidate, len(ids))
	for i, id := range ids {
		out[i] = models.Candidate{DriverID: id}
	}
	return out
}

func TestRankByRating(t *testing.T) {
	s := &Scorer{Stats: &fakeStats{stats: map[string]models.DriverStats{
		"low":  {Rating: 4.2, AcceptanceRate: 0.8},
		"high": {Rating: 4.8, AcceptanceRate: 0.8},
	}}}
	ranked := s.Rank(context.Background(), cands("low", "high"), &models.Order{ID: "o1"})
	require.Len(t, ranked, 2)
	assert.Equal(t, "high", ranked[0].DriverID)
	assert.Equal(t, "low", ranked[1].DriverID)
}

func TestFairnessMonotonic(t *testing.T) {
	// equal rating: the driver with fewer recent assignments must not
	// score lower
	s := &Scorer{Stats: &fakeStats{stats: map[string]models.DriverStats{
		"rested": {Rating: 4.5, Assigned24h: 1},
		"loaded": {Rating: 4.5, Assigned24h: 9},
	}}}
	ranked := s.Rank(context.Background(), cands("loaded", "rested"), &models.Order{ID: "o1"})
	require.Len(t, ranked, 2)
	assert.Equal(t, "rested", ranked[0].DriverID)
	assert.GreaterOrEqual(t, ranked[0].Score, ranked[1].Score)
}

func TestFairnessBounds(t *testing.T) {
	assert.Equal(t, 1.0, fairnessScore(1, 2))  // at half the average
	assert.Equal(t, 0.0, fairnessScore(4, 2))  // at twice the average
	assert.Equal(t, 1.0, fairnessScore(0, 0))  // empty cohort history
	mid := fairnessScore(2, 2)                 // exactly average
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestInternalFleetBonus(t *testing.T) {
	stats := &fakeStats{stats: map[string]models.DriverStats{
		"partner": {Rating: 5.0},
		"staff":   {Rating: 3.0, Internal: true},
	}}
	s := &Scorer{Stats: stats, InternalBonus: 10}

	// plain order: rating wins
	ranked := s.Rank(context.Background(), cands("partner", "staff"), &models.Order{ID: "o1"})
	assert.Equal(t, "partner", ranked[0].DriverID)

	// business order: internal fleet jumps the queue
	ranked = s.Rank(context.Background(), cands("partner", "staff"), &models.Order{ID: "o2", Business: true})
	assert.Equal(t, "staff", ranked[0].DriverID)
	assert.Equal(t, 10.0, ranked[0].Breakdown.InternalBonus)
}

func TestNoTruncation(t *testing.T) {
	s := &Scorer{Stats: &fakeStats{stats: map[string]models.DriverStats{
		"terrible": {Rating: 0.1, Assigned24h: 100},
	}}}
	ranked := s.Rank(context.Background(), cands("terrible", "other"), &models.Order{ID: "o1"})
	assert.Len(t, ranked, 2, "low scores reorder, never exclude")
}

func TestDistanceTieBreak(t *testing.T) {
	s := &Scorer{Stats: &fakeStats{}}
	in := []models.Candidate{
		{DriverID: "far", DistanceKm: 4, HasDistance: true},
		{DriverID: "close", DistanceKm: 1, HasDistance: true},
	}
	ranked := s.Rank(context.Background(), in, &models.Order{ID: "o1"})
	assert.Equal(t, "close", ranked[0].DriverID)
}

func TestStatsErrorFallsBackToDistance(t *testing.T) {
	s := &Scorer{Stats: &fakeStats{err: errors.New("db down")}}
	in := []models.Candidate{
		{DriverID: "far", DistanceKm: 4, HasDistance: true},
		{DriverID: "close", DistanceKm: 1, HasDistance: true},
	}
	ranked := s.Rank(context.Background(), in, &models.Order{ID: "o1"})
	require.Len(t, ranked, 2)
	assert.Equal(t, "close", ranked[0].DriverID)
}

func TestFilterRemovesWithoutReranking(t *testing.T) {
	ranked := []models.ScoredCandidate{
		{DriverID: "a", Score: 3},
		{DriverID: "b", Score: 2},
		{DriverID: "c", Score: 1},
	}
	got := Filter(context.Background(), ranked, &fakeElig{blocked: map[string]string{"b": "insufficient balance"}}, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].DriverID)
	assert.Equal(t, "c", got[1].DriverID)
}

func TestFilterKeepsCandidateOnProbeError(t *testing.T) {
	ranked := []models.ScoredCandidate{{DriverID: "a"}}
	got := Filter(context.Background(), ranked, &fakeElig{err: errors.New("timeout")}, nil)
	assert.Len(t, got, 1)
}
