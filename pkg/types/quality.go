// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "fmt"

// ErrorKind classifies a per-record failure. Every failure the pipeline
// captures is reported under exactly one kind.
type ErrorKind string

const (
	ErrSchema             ErrorKind = "SchemaError"
	ErrExtraction         ErrorKind = "ExtractionError"
	ErrMalformedResponse  ErrorKind = "MalformedResponseError"
	ErrDanglingQuoteRef   ErrorKind = "DanglingQuoteReference"
	ErrQuoteNotFound      ErrorKind = "QuoteNotFound"
	ErrDesignConsistency  ErrorKind = "DesignConsistencyError"
	ErrRoleConflict       ErrorKind = "RoleConflictError"
	ErrMissingBatchOutput ErrorKind = "MissingBatchOutput"
	ErrCorruptBatchOutput ErrorKind = "CorruptBatchOutput"
)

// IsSemantic reports whether the kind is a validation finding that warrants
// a strict retry, as opposed to an input, transport, or parse failure.
func (k ErrorKind) IsSemantic() bool {
	switch k {
	case ErrDanglingQuoteRef, ErrQuoteNotFound, ErrDesignConsistency, ErrRoleConflict:
		return true
	}
	return false
}

// ValidationError is one finding attached to a ValidationResult.
type ValidationError struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Completeness is a coarse measure of how many canonical fields are populated.
type Completeness string

const (
	CompletenessComplete Completeness = "complete"
	CompletenessPartial  Completeness = "partial"
	CompletenessMinimal  Completeness = "minimal"
)

// ValidationResult is produced fresh by each validation pass. Once attached to
// an enriched record it is never modified; a retry produces a new result.
type ValidationResult struct {
	Passed             bool              `json:"passed" yaml:"passed"`
	Errors             []ValidationError `json:"errors" yaml:"errors"`
	DesignCompleteness Completeness      `json:"design_completeness" yaml:"design_completeness"`
	NeedsManual        bool              `json:"needs_manual" yaml:"needs_manual"`

	// Attempt is the zero-based extraction attempt this result belongs to.
	Attempt int `json:"attempt" yaml:"attempt"`
}

// HasKind reports whether any error of the given kind is present.
func (r ValidationResult) HasKind(kind ErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Failure builds a failed, manual-review result carrying a single error.
func Failure(kind ErrorKind, message string, attempt int) ValidationResult {
	return ValidationResult{
		Passed:             false,
		Errors:             []ValidationError{{Kind: kind, Message: message}},
		DesignCompleteness: CompletenessMinimal,
		NeedsManual:        true,
		Attempt:            attempt,
	}
}
