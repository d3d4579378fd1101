// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// SampleSizes holds the registry's planned and final sample size fields.
// The registry mixes formats ("N/A", "2500 individuals/1600 individuals"),
// so every value is kept as normalized text.
type SampleSizes struct {
	PlannedClusters     string `json:"planned_clusters" yaml:"planned_clusters"`
	PlannedObservations string `json:"planned_observations" yaml:"planned_observations"`
	PlannedArms         string `json:"planned_arms" yaml:"planned_arms"`
	ByArm               string `json:"by_arm" yaml:"by_arm"`
	MDE                 string `json:"mde" yaml:"mde"`
	FinalClusters       string `json:"final_clusters" yaml:"final_clusters"`
	FinalObservations   string `json:"final_observations" yaml:"final_observations"`
	FinalByArm          string `json:"final_by_arm" yaml:"final_by_arm"`
	AttritionCorrelated string `json:"attrition_correlated" yaml:"attrition_correlated"`
}

// TrialRecord is the canonical skeleton of one registry entry. It is created
// once by the normalizer and treated as read-only by every later stage.
type TrialRecord struct {
	// RCTID is the registry identifier (e.g. "AEARCTR-0001234"). Required.
	RCTID  string `json:"rct_id" yaml:"rct_id"`
	Title  string `json:"title" yaml:"title"`
	Status string `json:"status" yaml:"status"`

	// DOIURL is the best-effort DOI link pulled from the registry citation.
	DOIURL    string   `json:"doi_url" yaml:"doi_url"`
	Countries []string `json:"countries" yaml:"countries"`

	StartDate             string `json:"start_date" yaml:"start_date"`
	EndDate               string `json:"end_date" yaml:"end_date"`
	InterventionStartDate string `json:"intervention_start_date" yaml:"intervention_start_date"`
	InterventionEndDate   string `json:"intervention_end_date" yaml:"intervention_end_date"`

	RandomizationUnit   string `json:"randomization_unit" yaml:"randomization_unit"`
	RandomizationMethod string `json:"randomization_method" yaml:"randomization_method"`

	PrimaryOutcomes              []string `json:"primary_outcomes" yaml:"primary_outcomes"`
	PrimaryOutcomesExplanation   string   `json:"primary_outcomes_explanation" yaml:"primary_outcomes_explanation"`
	SecondaryOutcomes            []string `json:"secondary_outcomes" yaml:"secondary_outcomes"`
	SecondaryOutcomesExplanation string   `json:"secondary_outcomes_explanation" yaml:"secondary_outcomes_explanation"`

	// Free-text blocks the model reads and evidence quotes are checked against.
	InterventionText          string `json:"intervention_text" yaml:"intervention_text"`
	ExperimentalDesign        string `json:"experimental_design" yaml:"experimental_design"`
	ExperimentalDesignDetails string `json:"experimental_design_details" yaml:"experimental_design_details"`

	SampleSizes        SampleSizes `json:"sample_sizes" yaml:"sample_sizes"`
	Keywords           []string    `json:"keywords" yaml:"keywords"`
	AdditionalKeywords []string    `json:"additional_keywords" yaml:"additional_keywords"`

	// Provenance keeps every raw registry field the normalizer did not map,
	// verbatim, under its original name.
	Provenance map[string]any `json:"provenance,omitempty" yaml:"provenance,omitempty"`
}
