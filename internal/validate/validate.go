// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package validate checks a candidate design spec against the record it was
// extracted from. Structural problems (unresolvable evidence references)
// short-circuit; otherwise every semantic finding is accumulated so a strict
// retry can be told about all of them at once.
package validate

import (
	"fmt"
	"strings"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// groupUnits are nouns naming a group of people; randomizing over them is
// clustered. Plurals are matched after trimming "s" or "es".
var groupUnits = map[string]bool{
	"area": true, "block": true, "branch": true, "business": true, "camp": true,
	"center": true, "centre": true, "church": true, "class": true, "classroom": true,
	"clinic": true, "cluster": true, "college": true, "community": true, "cohort": true,
	"cooperative": true, "county": true, "district": true, "enterprise": true, "facility": true,
	"family": true, "farm": true, "firm": true, "grade": true, "group": true,
	"homestead": true, "hospital": true, "household": true, "kebele": true,
	"locality": true, "market": true, "mosque": true, "municipality": true, "neighborhood": true,
	"neighbourhood": true, "office": true, "organization": true, "parish": true, "plant": true,
	"province": true, "region": true, "section": true, "settlement": true, "shop": true,
	"site": true, "state": true, "store": true, "street": true, "subdistrict": true,
	"team": true, "town": true, "township": true, "union": true, "unit": true,
	"university": true, "vendor": true, "village": true, "ward": true, "workplace": true,
	"zone": true,
}

// nesting separates the randomized noun phrase from its context, as in
// "students within schools" or "head of household".
var nesting = []string{" within ", " in ", " of ", " from ", " at ", " per ", " nested "}

// Validator checks design specs. The zero value is not usable; use New.
type Validator struct {
	matcher Matcher
}

// New returns a Validator with the given quote anchoring parameters. Zero
// values fall back to a 0.85 floor and a 20 character exact-match threshold.
func New(cfg types.ValidationConfig) *Validator {
	if cfg.SimilarityFloor <= 0 || cfg.SimilarityFloor > 1 {
		cfg.SimilarityFloor = 0.85
	}
	if cfg.MinFuzzyLength <= 0 {
		cfg.MinFuzzyLength = 20
	}
	return &Validator{matcher: Matcher{Floor: cfg.SimilarityFloor, MinFuzzy: cfg.MinFuzzyLength}}
}

// Validate checks spec against the source blocks it claims to quote from.
// The result is fresh and carries attempt; NeedsManual is left for the
// caller, which owns the retry budget.
func (v *Validator) Validate(blocks map[types.SourceLocator]string, spec types.DesignSpec, attempt int) types.ValidationResult {
	result := types.ValidationResult{
		Errors:             []types.ValidationError{},
		DesignCompleteness: Completeness(spec),
		Attempt:            attempt,
	}

	if errs := checkReferences(spec); len(errs) > 0 {
		result.Errors = errs
		return result
	}

	result.Errors = append(result.Errors, v.checkQuotes(blocks, spec)...)
	result.Errors = append(result.Errors, checkDesign(spec)...)
	result.Errors = append(result.Errors, checkRoles(spec)...)
	result.Passed = len(result.Errors) == 0
	return result
}

func fail(kind types.ErrorKind, format string, args ...any) types.ValidationError {
	return types.ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// checkReferences resolves every evidence id used by arms, factors and
// levels. Quotes without an id or with a repeated id make references
// ambiguous and are reported the same way.
func checkReferences(spec types.DesignSpec) []types.ValidationError {
	var errs []types.ValidationError
	declared := make(map[string]bool, len(spec.EvidenceQuotes))
	for i, q := range spec.EvidenceQuotes {
		id := strings.TrimSpace(q.ID)
		switch {
		case id == "":
			errs = append(errs, fail(types.ErrDanglingQuoteRef, "evidence_quotes[%d] has no id", i))
		case declared[id]:
			errs = append(errs, fail(types.ErrDanglingQuoteRef, "evidence_quotes[%d] repeats id %q", i, id))
		}
		declared[id] = true
	}

	resolve := func(path string, ids []string) {
		for _, id := range ids {
			if t := strings.TrimSpace(id); t == "" || !declared[t] {
				errs = append(errs, fail(types.ErrDanglingQuoteRef, "%s references undeclared quote %q", path, id))
			}
		}
	}
	for i, a := range spec.Arms {
		resolve(fmt.Sprintf("arms[%d](%s)", i, a.ID), a.EvidenceQuoteIDs)
	}
	for i, f := range spec.Factors {
		resolve(fmt.Sprintf("factors[%d](%s)", i, f.ID), f.EvidenceQuoteIDs)
		for j, l := range f.Levels {
			resolve(fmt.Sprintf("factors[%d].levels[%d](%s)", i, j, l.ID), l.EvidenceQuoteIDs)
		}
	}
	return errs
}

func (v *Validator) checkQuotes(blocks map[types.SourceLocator]string, spec types.DesignSpec) []types.ValidationError {
	var errs []types.ValidationError
	for i, q := range spec.EvidenceQuotes {
		if strings.TrimSpace(q.Quote) == "" {
			errs = append(errs, fail(types.ErrQuoteNotFound, "evidence_quotes[%d](%s) is empty", i, q.ID))
			continue
		}
		source, ok := blocks[q.SourceLocator]
		if !ok {
			errs = append(errs, fail(types.ErrQuoteNotFound, "evidence_quotes[%d](%s) cites unknown source %q", i, q.ID, q.SourceLocator))
			continue
		}
		if !v.matcher.Contains(source, q.Quote) {
			errs = append(errs, fail(types.ErrQuoteNotFound, "evidence_quotes[%d](%s) not found in %s: %q", i, q.ID, q.SourceLocator, q.Quote))
		}
	}
	return errs
}

func checkDesign(spec types.DesignSpec) []types.ValidationError {
	var errs []types.ValidationError

	if spec.DesignType.RequiresFactors() && len(spec.Factors) == 0 {
		errs = append(errs, fail(types.ErrDesignConsistency, "design_type %s requires at least one factor", spec.DesignType))
	}
	for i, f := range spec.Factors {
		if len(f.Levels) < 2 {
			errs = append(errs, fail(types.ErrDesignConsistency, "factors[%d](%s) has %d level(s), need at least 2", i, f.ID, len(f.Levels)))
		}
	}

	seen := make(map[string]bool, len(spec.Arms))
	hasRole := false
	for i, a := range spec.Arms {
		if a.Role.IsAssigned() {
			hasRole = true
		}
		id := strings.TrimSpace(a.ID)
		if id == "" {
			errs = append(errs, fail(types.ErrDesignConsistency, "arms[%d] has no arm_id", i))
		} else if seen[id] {
			errs = append(errs, fail(types.ErrDesignConsistency, "arms[%d] repeats arm_id %q", i, id))
		}
		seen[id] = true
	}
	if !hasRole {
		errs = append(errs, fail(types.ErrDesignConsistency, "no arm has an assigned role"))
	}

	unit := strings.TrimSpace(spec.UnitOfRandomization)
	switch {
	case unit == "":
		errs = append(errs, fail(types.ErrDesignConsistency, "unit_of_randomization_canonical is not stated"))
	case spec.IsClustered && IsIndividualUnit(unit):
		errs = append(errs, fail(types.ErrDesignConsistency, "is_clustered is true but the unit of randomization %q is individual", unit))
	case !spec.IsClustered && !IsIndividualUnit(unit):
		errs = append(errs, fail(types.ErrDesignConsistency, "is_clustered is false but the unit of randomization %q is a group", unit))
	}
	return errs
}

func checkRoles(spec types.DesignSpec) []types.ValidationError {
	if spec.DesignType.AllowsMultipleBaselines() {
		return nil
	}
	var baselines []string
	for _, a := range spec.Arms {
		if a.Role.IsBaseline() {
			baselines = append(baselines, fmt.Sprintf("%s(%s)", a.ID, a.Role))
		}
	}
	if len(baselines) > 1 {
		return []types.ValidationError{fail(types.ErrRoleConflict,
			"%d arms hold a control or placebo role in a %s design: %s", len(baselines), spec.DesignType, strings.Join(baselines, ", "))}
	}
	return nil
}

// IsIndividualUnit reports whether a unit of randomization names individuals
// rather than groups. The unit is a group when the head noun of its leading
// phrase names one, or the phrase mentions a cluster or group; any other
// unit is individual.
func IsIndividualUnit(unit string) bool {
	u := " " + Normalize(unit) + " "
	for _, sep := range nesting {
		if i := strings.Index(u, sep); i > 0 {
			u = u[:i]
		}
	}
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "individual") {
		return true
	}
	if strings.Contains(u, "cluster") || strings.Contains(u, "group") {
		return false
	}
	words := strings.Fields(u)
	if len(words) == 0 {
		return true
	}
	head := words[len(words)-1]
	return !groupUnits[head] && !groupUnits[strings.TrimSuffix(head, "s")] && !groupUnits[strings.TrimSuffix(head, "es")]
}

// Completeness grades how many canonical fields are populated: design type,
// unit of randomization, a role-bearing arm, assignment rules, evidence, and
// for factorial designs the factors.
func Completeness(spec types.DesignSpec) types.Completeness {
	checks := []bool{
		spec.DesignType != "",
		strings.TrimSpace(spec.UnitOfRandomization) != "",
		hasAssignedRole(spec.Arms),
		hasText(spec.AssignmentRules),
		len(spec.EvidenceQuotes) > 0,
	}
	if spec.DesignType.RequiresFactors() {
		checks = append(checks, len(spec.Factors) > 0)
	}
	present := 0
	for _, ok := range checks {
		if ok {
			present++
		}
	}
	switch {
	case present == len(checks):
		return types.CompletenessComplete
	case present <= 2:
		return types.CompletenessMinimal
	}
	return types.CompletenessPartial
}

func hasAssignedRole(arms []types.Arm) bool {
	for _, a := range arms {
		if a.Role.IsAssigned() {
			return true
		}
	}
	return false
}

func hasText(items []string) bool {
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}
