// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// SchemaName is the name the response format is registered under.
const SchemaName = "design_extraction"

// reportedCompleteness is the enum the model reports in design_completeness.
var reportedCompleteness = []string{"complete", "partial", "unclear"}

var extractionSources = []string{string(types.SourceRegistry), string(types.SourcePaper)}

// Schema returns the canonical JSON schema for a design extraction. Every
// object is closed and every property required, as strict structured output
// demands. A fresh map is returned on each call.
func Schema() map[string]any {
	str := map[string]any{"type": "string"}
	strList := map[string]any{"type": "array", "items": str}
	nullableStr := map[string]any{"type": []any{"string", "null"}}

	object := func(props map[string]any) map[string]any {
		required := make([]any, 0, len(props))
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			required = append(required, k)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	}

	level := object(map[string]any{
		"level_id":           str,
		"name":               str,
		"description":        str,
		"evidence_quote_ids": strList,
	})
	arm := object(map[string]any{
		"arm_id":             str,
		"name":               str,
		"role":               enum(types.ArmRoles),
		"description":        str,
		"evidence_quote_ids": strList,
	})
	factor := object(map[string]any{
		"factor_id":          str,
		"name":               str,
		"levels":             map[string]any{"type": "array", "items": level},
		"evidence_quote_ids": strList,
	})
	quote := object(map[string]any{
		"id":             str,
		"source_locator": enum(types.SourceLocators),
		"quote":          str,
		"supports":       str,
	})

	return object(map[string]any{
		"design_type":                     enum(types.DesignTypes),
		"unit_of_randomization_canonical": nullableStr,
		"is_clustered":                    map[string]any{"type": "boolean"},
		"analysis_unit_canonical":         nullableStr,
		"primary_outcomes_dedup":          strList,
		"arms":                            map[string]any{"type": "array", "items": arm},
		"factors":                         map[string]any{"type": "array", "items": factor},
		"assignment_rules":                strList,
		"design_completeness":             enum(reportedCompleteness),
		"extraction_sources":              map[string]any{"type": "array", "items": enum(extractionSources)},
		"evidence_quotes":                 map[string]any{"type": "array", "items": quote},
		"notes":                           str,
	})
}

func enum[T ~string](values []T) map[string]any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return map[string]any{"type": "string", "enum": out}
}

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func compiled() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := json.Marshal(Schema())
		if err != nil {
			compileErr = fmt.Errorf("marshaling extraction schema: %w", err)
			return
		}
		compiledSchema, compileErr = jsonschema.NewCompiler().Compile(data)
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling extraction schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// validateSchema checks a decoded response against the extraction schema and
// returns the violations sorted for stable messages.
func validateSchema(v any) ([]string, error) {
	schema, err := compiled()
	if err != nil {
		return nil, err
	}
	result := schema.Validate(v)
	if result.Valid {
		return nil, nil
	}
	problems := make([]string, 0, len(result.Errors))
	for path, e := range result.Errors {
		problems = append(problems, fmt.Sprintf("%s: %s", path, e.Error()))
	}
	sort.Strings(problems)
	if len(problems) == 0 {
		problems = append(problems, "response does not match schema")
	}
	return problems, nil
}
