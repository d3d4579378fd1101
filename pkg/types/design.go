// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// DesignType classifies the randomization design of a trial.
type DesignType string

const (
	DesignSimpleMultiarm DesignType = "simple_multiarm"
	DesignFactorial      DesignType = "factorial"
	DesignEncouragement  DesignType = "encouragement"
	DesignClusterRCT     DesignType = "cluster_rct"
	DesignCrossover      DesignType = "crossover"
	DesignSteppedWedge   DesignType = "stepped_wedge"
	DesignMultistage     DesignType = "multistage"
	DesignSaturation     DesignType = "saturation"
	DesignDiscontinuity  DesignType = "discontinuity"
	DesignObservational  DesignType = "observational"
	DesignOther          DesignType = "other"
)

// DesignTypes lists every accepted DesignType in schema order.
var DesignTypes = []DesignType{
	DesignSimpleMultiarm, DesignFactorial, DesignEncouragement, DesignClusterRCT,
	DesignCrossover, DesignSteppedWedge, DesignMultistage, DesignSaturation,
	DesignDiscontinuity, DesignObservational, DesignOther,
}

// RequiresFactors reports whether the design must declare at least one Factor.
func (d DesignType) RequiresFactors() bool {
	return d == DesignFactorial
}

// AllowsMultipleBaselines reports whether more than one control or placebo
// arm is expected (factorial designs carry one baseline cell per factor).
func (d DesignType) AllowsMultipleBaselines() bool {
	return d == DesignFactorial
}

// ArmRole is the part an arm plays in the design.
type ArmRole string

const (
	RoleControl          ArmRole = "control"
	RoleTreatment        ArmRole = "treatment"
	RoleExperimental     ArmRole = "experimental"
	RoleActiveComparator ArmRole = "active_comparator"
	RolePlacebo          ArmRole = "placebo"
	RoleUnknown          ArmRole = "unknown"
)

// ArmRoles lists every role the schema accepts.
var ArmRoles = []ArmRole{
	RoleControl, RoleTreatment, RoleExperimental, RoleActiveComparator, RolePlacebo, RoleUnknown,
}

// IsAssigned reports whether the role is a concrete role rather than empty or unknown.
func (r ArmRole) IsAssigned() bool {
	return r != "" && r != RoleUnknown
}

// IsBaseline reports whether the role is a control or placebo condition.
func (r ArmRole) IsBaseline() bool {
	return r == RoleControl || r == RolePlacebo
}

// SourceLocator names the text block an evidence quote was lifted from.
type SourceLocator string

const (
	SourceInterventionText   SourceLocator = "intervention_text"
	SourceExperimentalDesign SourceLocator = "experimental_design"
	SourceDesignDetails      SourceLocator = "experimental_design_details"
	SourcePrimaryOutcomes    SourceLocator = "primary_outcomes"
	SourceSecondaryOutcomes  SourceLocator = "secondary_outcomes"
	SourceRegistry           SourceLocator = "registry"
	SourcePaper              SourceLocator = "paper"
)

// SourceLocators lists every accepted locator in schema order.
var SourceLocators = []SourceLocator{
	SourceInterventionText, SourceExperimentalDesign, SourceDesignDetails,
	SourcePrimaryOutcomes, SourceSecondaryOutcomes, SourceRegistry, SourcePaper,
}

// EvidenceQuote is a verbatim span anchoring a structured claim to its source.
type EvidenceQuote struct {
	ID            string        `json:"id" yaml:"id"`
	SourceLocator SourceLocator `json:"source_locator" yaml:"source_locator"`
	Quote         string        `json:"quote" yaml:"quote"`
	Supports      string        `json:"supports" yaml:"supports"`
}

// Arm is a mutually exclusive assignment condition.
type Arm struct {
	ID               string   `json:"arm_id" yaml:"arm_id"`
	Name             string   `json:"name" yaml:"name"`
	Role             ArmRole  `json:"role" yaml:"role"`
	Description      string   `json:"description" yaml:"description"`
	EvidenceQuoteIDs []string `json:"evidence_quote_ids" yaml:"evidence_quote_ids"`
}

// FactorLevel is one value of a manipulated factor.
type FactorLevel struct {
	ID               string   `json:"level_id" yaml:"level_id"`
	Name             string   `json:"name" yaml:"name"`
	Description      string   `json:"description" yaml:"description"`
	EvidenceQuoteIDs []string `json:"evidence_quote_ids" yaml:"evidence_quote_ids"`
}

// Factor is an orthogonal manipulated dimension of a factorial design.
type Factor struct {
	ID               string        `json:"factor_id" yaml:"factor_id"`
	Name             string        `json:"name" yaml:"name"`
	Levels           []FactorLevel `json:"levels" yaml:"levels"`
	EvidenceQuoteIDs []string      `json:"evidence_quote_ids" yaml:"evidence_quote_ids"`
}

// DesignSpec is the canonical structured representation of a trial's
// randomization design, as returned by the model and checked by the validator.
type DesignSpec struct {
	DesignType DesignType `json:"design_type" yaml:"design_type"`

	// IsClustered is true iff UnitOfRandomization is not an individual unit.
	IsClustered         bool   `json:"is_clustered" yaml:"is_clustered"`
	UnitOfRandomization string `json:"unit_of_randomization_canonical" yaml:"unit_of_randomization_canonical"`

	// AnalysisUnit is nil unless the source states it explicitly.
	AnalysisUnit *string `json:"analysis_unit_canonical" yaml:"analysis_unit_canonical"`

	PrimaryOutcomesDedup []string `json:"primary_outcomes_dedup" yaml:"primary_outcomes_dedup"`
	Arms                 []Arm    `json:"arms" yaml:"arms"`
	Factors              []Factor `json:"factors" yaml:"factors"`
	AssignmentRules      []string `json:"assignment_rules" yaml:"assignment_rules"`

	// ReportedCompleteness is the model's own judgement (complete, partial, unclear).
	ReportedCompleteness string          `json:"design_completeness" yaml:"design_completeness"`
	ExtractionSources    []string        `json:"extraction_sources" yaml:"extraction_sources"`
	EvidenceQuotes       []EvidenceQuote `json:"evidence_quotes" yaml:"evidence_quotes"`
	Notes                string          `json:"notes" yaml:"notes"`
}
