package workflow

import (
	"math"

	"pmon/internal/catalog"
	"pmon/internal/domain"
)

// Milestone field names used by the built-in requirement lists.
const (
	MilestoneKickoff        = "kickoff"
	MilestoneDesignDoc      = "design_doc"
	MilestoneReqSignoff     = "requirements_signoff"
	MilestoneDevComplete    = "dev_complete"
	MilestoneCodeReview     = "code_review"
	MilestoneTestPlan       = "test_plan"
	MilestoneUATStart       = "uat_start"
	MilestoneUATComplete    = "uat_complete"
	MilestoneSecurityReview = "security_review"
	MilestoneDeployPlan     = "deployment_plan"
	MilestoneLive           = "live"
)

// RequirementSet maps an effective record type to its requirement list.
// Types without an entry fall back to the "default" list.
type RequirementSet map[string][]catalog.Requirement

// DefaultRequirements returns the built-in requirement lists: scripts track a
// reduced 5-field list, everything else the full 11-field one.
func DefaultRequirements() RequirementSet {
	full := []catalog.Requirement{
		{Field: MilestoneKickoff},
		{Field: MilestoneDesignDoc},
		{Field: MilestoneReqSignoff},
		{Field: MilestoneDevComplete},
		{Field: MilestoneCodeReview},
		{Field: MilestoneTestPlan},
		{Field: MilestoneUATStart},
		{Field: MilestoneUATComplete},
		{Field: MilestoneSecurityReview},
		{Field: MilestoneDeployPlan},
		{Field: MilestoneLive},
	}
	script := []catalog.Requirement{
		{Field: MilestoneKickoff},
		{Field: MilestoneDevComplete},
		{Field: MilestoneCodeReview},
		{Field: MilestoneUATComplete},
		{Field: MilestoneLive},
	}
	return RequirementSet{
		"default":         full,
		domain.TypeScript: script,
	}
}

// For returns the requirement list for an effective record type.
func (rs RequirementSet) For(effectiveType string) []catalog.Requirement {
	if reqs, ok := rs[effectiveType]; ok {
		return reqs
	}
	return rs["default"]
}

// EffectiveType resolves the type whose requirement list applies to a record.
// Enhancements inherit from the parent record's ID prefix.
func EffectiveType(rec *domain.Project) string {
	if rec.Type == domain.TypeEnhancement && rec.ParentID != "" {
		if parent := domain.TypeFromID(rec.ParentID); parent != "" {
			return parent
		}
	}
	return rec.Type
}

// Progress computes a record's completion percentage in [0,100].
//
// Bugs and records outside In Development report 100: progress only gates the
// development phase. A record with no milestone reports 0. Otherwise each
// requirement contributes an equal share; grouped sub-fields contribute the
// completed fraction of that share. The result is floored.
func Progress(rec *domain.Project, m *domain.Milestone, reqs RequirementSet) int {
	if rec.Type == domain.TypeBug {
		return 100
	}
	if rec.Status != catalog.StatusInDevelopment {
		return 100
	}
	if m == nil {
		return 0
	}
	list := reqs.For(EffectiveType(rec))
	if len(list) == 0 {
		return 100
	}
	// Completed units are summed and divided once, so a fully complete
	// list reports exactly 100 regardless of its length.
	completed := 0.0
	for _, req := range list {
		if len(req.Group) > 0 {
			done := 0
			for _, f := range req.Group {
				if m.Done(f) {
					done++
				}
			}
			completed += float64(done) / float64(len(req.Group))
			continue
		}
		if m.Done(req.Field) {
			completed++
		}
	}
	return int(math.Floor(100 * completed / float64(len(list))))
}
