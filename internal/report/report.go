// Package report aggregates the portfolio numbers the executive summary
// shows: counts, automation hours and go-lives per quarter.
package report

import (
	"context"
	"sort"

	"pmon/internal/repo"
)

// RankedRecord pairs a ranking entry with its record for display.
type RankedRecord struct {
	Rank int    `json:"rank"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Summary is the executive rollup over the whole portfolio.
type Summary struct {
	ByStatus      map[string]int `json:"by_status"`
	ByType        map[string]int `json:"by_type"`
	HoursAdded    float64        `json:"hours_added"`
	HoursSaved    float64        `json:"hours_saved"`
	LiveByQuarter map[string]int `json:"live_by_quarter"`
	TopRanked     []RankedRecord `json:"top_ranked"`
}

// Build computes the summary. topN caps the ranked list; zero means all.
func Build(ctx context.Context, r repo.Repo, topN int) (*Summary, error) {
	byStatus, err := r.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	byType, err := r.CountByType(ctx)
	if err != nil {
		return nil, err
	}
	added, saved, err := r.SumHours(ctx)
	if err != nil {
		return nil, err
	}
	quarters, err := r.LiveByQuarter(ctx)
	if err != nil {
		return nil, err
	}
	rankings, err := r.ListRankings(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rankings, func(i, j int) bool { return rankings[i].Rank < rankings[j].Rank })
	if topN > 0 && len(rankings) > topN {
		rankings = rankings[:topN]
	}
	top := make([]RankedRecord, 0, len(rankings))
	for _, rk := range rankings {
		entry := RankedRecord{Rank: rk.Rank, ID: rk.ProjectID}
		if rec, err := r.GetProject(ctx, rk.ProjectID); err == nil {
			entry.Name = rec.Name
			entry.Type = rec.Type
		}
		top = append(top, entry)
	}
	return &Summary{
		ByStatus:      byStatus,
		ByType:        byType,
		HoursAdded:    added,
		HoursSaved:    saved,
		LiveByQuarter: quarters,
		TopRanked:     top,
	}, nil
}
