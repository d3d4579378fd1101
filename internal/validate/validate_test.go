// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

func testBlocks() map[types.SourceLocator]string {
	design := "Participants are randomly assigned to a control group or a treatment group. Assignment is stratified by gender."
	intervention := "The treatment group receives a weekly SMS reminder about loan repayment."
	return map[types.SourceLocator]string{
		types.SourceExperimentalDesign: design,
		types.SourceInterventionText:   intervention,
		types.SourceDesignDetails:      "",
		types.SourcePrimaryOutcomes:    "repayment rate, savings",
		types.SourceSecondaryOutcomes:  "",
		types.SourceRegistry:           "EXPERIMENTAL_DESIGN:\n" + design + "\n\nINTERVENTION_TEXT:\n" + intervention + "\n",
		types.SourcePaper:              "",
	}
}

// twoArmSpec is a passing simple design: scenario A.
func twoArmSpec() types.DesignSpec {
	return types.DesignSpec{
		DesignType:          types.DesignSimpleMultiarm,
		UnitOfRandomization: "individual participant",
		Arms: []types.Arm{
			{ID: "a1", Name: "Control", Role: types.RoleControl, EvidenceQuoteIDs: []string{"eq1"}},
			{ID: "a2", Name: "Treatment", Role: types.RoleTreatment, EvidenceQuoteIDs: []string{"eq1", "eq2"}},
		},
		Factors:         []types.Factor{},
		AssignmentRules: []string{"Individual randomization stratified by gender"},
		EvidenceQuotes: []types.EvidenceQuote{
			{ID: "eq1", SourceLocator: types.SourceExperimentalDesign, Quote: "randomly assigned to a control group or a treatment group", Supports: "arms"},
			{ID: "eq2", SourceLocator: types.SourceInterventionText, Quote: "receives a weekly SMS reminder", Supports: "treatment"},
		},
	}
}

func kinds(r types.ValidationResult) []types.ErrorKind {
	out := make([]types.ErrorKind, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Kind)
	}
	return out
}

func TestValidateTwoArmDesignPasses(t *testing.T) {
	r := New(types.ValidationConfig{}).Validate(testBlocks(), twoArmSpec(), 0)

	assert.True(t, r.Passed, "errors: %v", r.Errors)
	assert.Empty(t, r.Errors)
	assert.NotNil(t, r.Errors)
	assert.Equal(t, types.CompletenessComplete, r.DesignCompleteness)
	assert.False(t, r.NeedsManual)
	assert.Equal(t, 0, r.Attempt)
}

func TestValidateFactorialWithoutFactors(t *testing.T) {
	spec := twoArmSpec()
	spec.DesignType = types.DesignFactorial

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 1)

	assert.False(t, r.Passed)
	assert.Equal(t, []types.ErrorKind{types.ErrDesignConsistency}, kinds(r))
	assert.Contains(t, r.Errors[0].Message, "requires at least one factor")
	assert.Equal(t, types.CompletenessPartial, r.DesignCompleteness)
	assert.Equal(t, 1, r.Attempt)
}

func TestValidateQuoteNotInSource(t *testing.T) {
	spec := twoArmSpec()
	spec.EvidenceQuotes[1].Quote = "Villages were stratified by district before assignment"

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)

	assert.False(t, r.Passed)
	require.Equal(t, []types.ErrorKind{types.ErrQuoteNotFound}, kinds(r))
	assert.Contains(t, r.Errors[0].Message, "eq2")
	assert.Contains(t, r.Errors[0].Message, "intervention_text")
}

func TestValidateQuoteMustComeFromNamedBlock(t *testing.T) {
	spec := twoArmSpec()
	// Present in the experimental design, cited as intervention text.
	spec.EvidenceQuotes[1].Quote = "Assignment is stratified by gender"

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
	assert.Equal(t, []types.ErrorKind{types.ErrQuoteNotFound}, kinds(r))

	// The registry locator covers every block.
	spec.EvidenceQuotes[1].SourceLocator = types.SourceRegistry
	r = New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
	assert.True(t, r.Passed, "errors: %v", r.Errors)
}

func TestValidateQuoteEdgeCases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.EvidenceQuote)
		substr string
	}{
		{"empty quote", func(q *types.EvidenceQuote) { q.Quote = "  " }, "is empty"},
		{"unknown locator", func(q *types.EvidenceQuote) { q.SourceLocator = "appendix" }, "unknown source"},
		{"paper not supplied", func(q *types.EvidenceQuote) { q.SourceLocator = types.SourcePaper }, "not found in paper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := twoArmSpec()
			tt.mutate(&spec.EvidenceQuotes[1])
			r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
			require.Equal(t, []types.ErrorKind{types.ErrQuoteNotFound}, kinds(r))
			assert.Contains(t, r.Errors[0].Message, tt.substr)
		})
	}
}

func TestValidateDanglingReferenceShortCircuits(t *testing.T) {
	spec := twoArmSpec()
	spec.Arms[1].EvidenceQuoteIDs = []string{"eq1", "eq9"}
	spec.EvidenceQuotes[0].Quote = "not in the text at all, nowhere to be found"
	spec.DesignType = types.DesignFactorial

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)

	assert.False(t, r.Passed)
	require.Equal(t, []types.ErrorKind{types.ErrDanglingQuoteRef}, kinds(r), "semantic checks are skipped")
	assert.Contains(t, r.Errors[0].Message, `"eq9"`)
}

func TestValidateStructuralProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.DesignSpec)
		want   int
	}{
		{"duplicate quote id", func(s *types.DesignSpec) { s.EvidenceQuotes[1].ID = "eq1" }, 2},
		{"quote without id", func(s *types.DesignSpec) { s.EvidenceQuotes[1].ID = "" }, 2},
		{"factor level reference", func(s *types.DesignSpec) {
			s.Factors = []types.Factor{{ID: "f1", Levels: []types.FactorLevel{
				{ID: "l1", EvidenceQuoteIDs: []string{"eq1"}},
				{ID: "l2", EvidenceQuoteIDs: []string{"eqX"}},
			}}}
		}, 1},
		{"blank reference", func(s *types.DesignSpec) { s.Arms[0].EvidenceQuoteIDs = []string{""} }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := twoArmSpec()
			tt.mutate(&spec)
			r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
			assert.False(t, r.Passed)
			assert.Len(t, r.Errors, tt.want)
			for _, k := range kinds(r) {
				assert.Equal(t, types.ErrDanglingQuoteRef, k)
			}
		})
	}
}

func TestValidateEmptyEvidenceListsAllowed(t *testing.T) {
	spec := twoArmSpec()
	spec.Arms[0].EvidenceQuoteIDs = []string{}
	spec.Arms[1].EvidenceQuoteIDs = nil

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
	assert.True(t, r.Passed, "errors: %v", r.Errors)
}

func TestValidateDesignConsistency(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.DesignSpec)
		substr string
	}{
		{"clustered individual", func(s *types.DesignSpec) { s.IsClustered = true }, "is_clustered is true"},
		{"unclustered village", func(s *types.DesignSpec) { s.UnitOfRandomization = "village" }, "is_clustered is false"},
		{"unit missing", func(s *types.DesignSpec) { s.UnitOfRandomization = " " }, "not stated"},
		{"no roles", func(s *types.DesignSpec) {
			s.Arms[0].Role = types.RoleUnknown
			s.Arms[1].Role = ""
		}, "no arm has an assigned role"},
		{"no arms", func(s *types.DesignSpec) { s.Arms = nil }, "no arm has an assigned role"},
		{"duplicate arm id", func(s *types.DesignSpec) { s.Arms[1].ID = "a1" }, `repeats arm_id "a1"`},
		{"single level factor", func(s *types.DesignSpec) {
			s.Factors = []types.Factor{{ID: "f1", Levels: []types.FactorLevel{{ID: "l1"}}}}
		}, "need at least 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := twoArmSpec()
			tt.mutate(&spec)
			r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
			assert.False(t, r.Passed)
			require.Equal(t, []types.ErrorKind{types.ErrDesignConsistency}, kinds(r))
			assert.Contains(t, r.Errors[0].Message, tt.substr)
		})
	}
}

func TestValidateClusteredDesignPasses(t *testing.T) {
	spec := twoArmSpec()
	spec.DesignType = types.DesignClusterRCT
	spec.IsClustered = true
	spec.UnitOfRandomization = "village"

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
	assert.True(t, r.Passed, "errors: %v", r.Errors)
}

func TestValidateIndividualUnitNames(t *testing.T) {
	for _, unit := range []string{"student", "farmer", "household head"} {
		t.Run(unit, func(t *testing.T) {
			spec := twoArmSpec()
			spec.UnitOfRandomization = unit

			r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
			assert.True(t, r.Passed, "errors: %v", r.Errors)

			spec.IsClustered = true
			r = New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
			require.Equal(t, []types.ErrorKind{types.ErrDesignConsistency}, kinds(r))
			assert.Contains(t, r.Errors[0].Message, "is individual")
		})
	}
}

func TestValidateRoleConflict(t *testing.T) {
	spec := twoArmSpec()
	spec.Arms = append(spec.Arms, types.Arm{ID: "a3", Name: "Placebo", Role: types.RolePlacebo, EvidenceQuoteIDs: []string{"eq1"}})

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
	require.Equal(t, []types.ErrorKind{types.ErrRoleConflict}, kinds(r))
	assert.Contains(t, r.Errors[0].Message, "a1(control), a3(placebo)")

	// Factorial designs carry one baseline cell per factor.
	spec.DesignType = types.DesignFactorial
	spec.Factors = []types.Factor{{ID: "f1", Name: "reminder", Levels: []types.FactorLevel{{ID: "l0"}, {ID: "l1"}}}}
	r = New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)
	assert.True(t, r.Passed, "errors: %v", r.Errors)
}

func TestValidateAccumulatesSemanticErrors(t *testing.T) {
	spec := twoArmSpec()
	spec.DesignType = types.DesignFactorial
	spec.EvidenceQuotes[1].Quote = "completely invented sentence about villages and schools"
	spec.Arms[1].Role = types.RoleControl

	r := New(types.ValidationConfig{}).Validate(testBlocks(), spec, 0)

	// Two controls are fine for factorial, so no role conflict.
	assert.Equal(t, []types.ErrorKind{types.ErrQuoteNotFound, types.ErrDesignConsistency}, kinds(r))
}

func TestCompleteness(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.DesignSpec)
		want   types.Completeness
	}{
		{"all present", func(*types.DesignSpec) {}, types.CompletenessComplete},
		{"no rules", func(s *types.DesignSpec) { s.AssignmentRules = []string{" "} }, types.CompletenessPartial},
		{"factorial needs factors", func(s *types.DesignSpec) { s.DesignType = types.DesignFactorial }, types.CompletenessPartial},
		{"only type and unit", func(s *types.DesignSpec) {
			s.Arms = nil
			s.AssignmentRules = nil
			s.EvidenceQuotes = nil
		}, types.CompletenessMinimal},
		{"empty", func(s *types.DesignSpec) { *s = types.DesignSpec{} }, types.CompletenessMinimal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := twoArmSpec()
			tt.mutate(&spec)
			assert.Equal(t, tt.want, Completeness(spec))
		})
	}
}

func TestIsIndividualUnit(t *testing.T) {
	tests := []struct {
		unit string
		want bool
	}{
		{"individual", true},
		{"Individual participant", true},
		{"individuals", true},
		{"Respondent", true},
		{"participants", true},
		{"student", true},
		{"Students", true},
		{"farmer", true},
		{"patient", true},
		{"worker", true},
		{"woman", true},
		{"child", true},
		{"household head", true},
		{"head of household", true},
		{"students within schools", true},
		{"household", false},
		{"Households", false},
		{"village", false},
		{"villages", false},
		{"school class", false},
		{"classes", false},
		{"clinic", false},
		{"firm", false},
		{"market", false},
		{"district", false},
		{"savings group", false},
		{"village clusters", false},
	}
	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			assert.Equal(t, tt.want, IsIndividualUnit(tt.unit))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "the control group s meals are free 50 off", Normalize("The “control group’s” meals are   free — 50% off!"))
	assert.Equal(t, "fish chips", Normalize("Fish &amp; Chips"))
	assert.Equal(t, "file", Normalize("ﬁle"), "NFKC folds ligatures")
}

func TestMatcherContains(t *testing.T) {
	m := Matcher{Floor: 0.85, MinFuzzy: 20}
	source := "Participants are randomly assigned to a control group or a treatment group. Assignment is stratified by gender."

	tests := []struct {
		name  string
		quote string
		want  bool
	}{
		{"exact", "randomly assigned to a control group", true},
		{"punctuation and case", "Participants are randomly assigned, to a CONTROL group", true},
		{"typo in long quote", "Participants are randomly asigned to a contrl group or a treatment group", true},
		{"short inexact", "contrl group", false},
		{"short exact", "control group", true},
		{"different sentence", "Villages were stratified by district before assignment", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Contains(source, tt.quote))
		})
	}
}

func TestMatcherRejectsScatteredMatches(t *testing.T) {
	m := Matcher{Floor: 0.85, MinFuzzy: 20}
	quote := "households in treatment villages receive cash"
	source := "Households were surveyed in 2019 across many districts before the program began. " +
		"In the end, treatment was assigned to villages by lottery, and each selected village " +
		"would receive support in the form of cash and training."

	assert.False(t, m.Contains(source, quote))
	assert.Less(t, m.Score(Normalize(source), Normalize(quote)), 0.85)
}

func TestMatcherLongSource(t *testing.T) {
	m := Matcher{Floor: 0.85, MinFuzzy: 20}
	filler := strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 400)
	source := filler + "Schools were randomly allocated to the tutoring programme or to business as usual. " + filler

	assert.True(t, m.Contains(source, "Schools were randomly alocated to the tutoring program or to business as usual"))
	assert.False(t, m.Contains(source, "Clinics in the northern district received nutrition supplements"))
}
