// Package ranking maintains the dense 1-based ordering over Under Evaluation
// records. Integrity violations are logged and skipped rather than raised:
// the ranking board must keep working even when one operation is off.
package ranking

import (
	"log"
	"sort"

	"pmon/internal/catalog"
	"pmon/internal/domain"
)

// unrankedSentinel places a newly ranked record past every real rank so the
// shift logic treats its move like any other raise.
const unrankedSentinel = 1 << 30

// ChangeRank moves one record to a new rank, shifting every ranking in the
// affected closed interval by one. Records without an entry get one first at
// the sentinel rank. An equal rank or missing project ID is logged and the
// call is a no-op.
func ChangeRank(rankings *[]*domain.Ranking, update domain.Ranking) {
	if update.ProjectID == "" {
		log.Printf("ranking: change with empty project id skipped")
		return
	}
	var current *domain.Ranking
	for _, r := range *rankings {
		if r.ProjectID == update.ProjectID {
			current = r
			break
		}
	}
	if current == nil {
		current = &domain.Ranking{ProjectID: update.ProjectID, Rank: unrankedSentinel}
		*rankings = append(*rankings, current)
	}
	old := current.Rank
	switch {
	case update.Rank == old:
		log.Printf("ranking: %s already at rank %d, skipped", update.ProjectID, old)
		return
	case update.Rank < old:
		// raise: everything between the new and old slot moves down one
		for _, r := range *rankings {
			if r == current {
				continue
			}
			if r.Rank >= update.Rank && r.Rank <= old {
				r.Rank++
			}
		}
	default:
		// lower: everything between the old and new slot moves up one
		for _, r := range *rankings {
			if r == current {
				continue
			}
			if r.Rank >= old && r.Rank <= update.Rank {
				r.Rank--
			}
		}
	}
	current.Rank = update.Rank
}

// Clean renumbers rankings densely from 1 in current rank order, removing any
// gaps left by records that dropped out of the ranked set.
func Clean(rankings []*domain.Ranking) {
	sort.SliceStable(rankings, func(i, j int) bool {
		return rankings[i].Rank < rankings[j].Rank
	})
	for i, r := range rankings {
		r.Rank = i + 1
	}
}

// Remove drops the ranking entry for a project and compacts the rest.
func Remove(rankings *[]*domain.Ranking, projectID string) {
	kept := (*rankings)[:0]
	for _, r := range *rankings {
		if r.ProjectID != projectID {
			kept = append(kept, r)
		}
	}
	*rankings = kept
	Clean(*rankings)
}

// Fill reconciles rankings against the full project list at load time: it
// drops entries whose record left Under Evaluation (or vanished), appends
// entries for Under Evaluation records missing one, and renumbers densely.
func Fill(rankings *[]*domain.Ranking, projects []*domain.Project) {
	eval := map[string]bool{}
	for _, p := range projects {
		if p.Status == catalog.StatusUnderEvaluation {
			eval[p.ID] = true
		}
	}
	kept := (*rankings)[:0]
	ranked := map[string]bool{}
	for _, r := range *rankings {
		if r.ProjectID == "" {
			log.Printf("ranking: entry with empty project id dropped")
			continue
		}
		if !eval[r.ProjectID] || ranked[r.ProjectID] {
			continue
		}
		ranked[r.ProjectID] = true
		kept = append(kept, r)
	}
	*rankings = kept
	Clean(*rankings)
	for _, p := range projects {
		if eval[p.ID] && !ranked[p.ID] {
			*rankings = append(*rankings, &domain.Ranking{ProjectID: p.ID, Rank: len(*rankings) + 1})
			ranked[p.ID] = true
		}
	}
}

// Snapshot copies the rankings by value in rank order, for persistence.
func Snapshot(rankings []*domain.Ranking) []domain.Ranking {
	out := make([]domain.Ranking, 0, len(rankings))
	for _, r := range rankings {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
