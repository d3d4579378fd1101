// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package extract

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// Mode selects the prompt variant.
type Mode string

const (
	// ModeStrict is the first attempt. Output is always schema-constrained.
	ModeStrict Mode = "strict"

	// ModeStrictRetry adds the STRICT MODE directive and the validation
	// errors of the previous attempt.
	ModeStrictRetry Mode = "strict_retry"
)

// systemPromptTmpl is the system message for every extraction request.
var systemPromptTmpl = template.Must(template.New("system").Parse(`You occupy the role of a Principal Investigator extracting experimental design specs from AEA RCT Registry entries.

OBJECTIVE:
Produce a structured JSON specification of the experimental design, focusing on assignment structure and evidence.

RULES:
1. Evidence Anchoring: Every claim must be supported by an item in evidence_quotes. Copy each quote verbatim from one block of the input and name that block in source_locator ({{.Locators}}). Arms, factors and levels MUST reference these quotes via evidence_quote_ids. Use IDs like 'eq1', 'eq2'.
2. Design Type: Determine if this is a simple_multiarm RCT, a factorial design, or another type ({{.DesignTypes}}).
3. Factors vs Arms:
   - Simple RCTs: Use arms. Leave factors empty.
   - Factorial: Use factors to describe the dimensions, each with at least two levels. ALSO populate arms with the explicit treatment cells if the text provides them.
4. Assignment Unit & Clustering:
   - unit_of_randomization_canonical: Default to 'individual participant' if the text says 'between-subject' and no group or cluster assignment is mentioned.
   - is_clustered: true ONLY if unit_of_randomization_canonical is NOT an individual unit (e.g. school, village, clinic).
   - analysis_unit_canonical: Be CONSERVATIVE. Return null unless the text explicitly defines the level of analysis. Do not guess.
5. Completeness:
   - 'complete': All assignment rules, arms, and units are clear.
   - 'partial': Ambiguity exists in key mapping details.
   - 'unclear': Critical info missing.
6. Roles: Use 'control' ONLY if explicitly stated (e.g. 'Control group', 'Comparison'). Use 'placebo' for placebo conditions. Use 'experimental' for active arms where no control exists or for factorial cells. Use 'treatment' for standard intervention arms. At most one arm may be control or placebo unless the design is factorial.
{{- if .Strict}}

STRICT MODE:
- Be conservative. If a detail is ambiguous, mark completeness as partial.
- Verify every quote exists verbatim in the block named by its source_locator.
- Every evidence_quote_ids entry must name a quote declared in evidence_quotes.
{{- if .PriorErrors}}
- The previous attempt failed validation. Fix these problems:
{{- range .PriorErrors}}
  * {{.Kind}}: {{.Message}}
{{- end}}
{{- end}}
{{- end}}
`))

// Message is one chat turn in a model request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains decoding to a JSON schema.
type ResponseFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

// TextOptions carries the response format.
type TextOptions struct {
	Format ResponseFormat `json:"format"`
}

// Request is the body of a POST /v1/responses call. The synchronous backend
// and the batch input file use the same body.
type Request struct {
	Model       string      `json:"model"`
	Input       []Message   `json:"input"`
	Temperature float64     `json:"temperature"`
	Text        TextOptions `json:"text"`
}

// Call is a fully prepared extraction request with its cache identity.
type Call struct {
	RCTID   string
	Mode    Mode
	Request Request

	// InputHash is the SHA-256 of the rendered registry input. It is what
	// the enriched output reports as the fingerprint.
	InputHash string

	// Fingerprint hashes the whole request body; Key is the cache key.
	Fingerprint string
	Key         string
}

// Prepare renders the prompt for rec and derives the cache key. It performs
// no I/O, so the batch path can build the exact request the sync path sends.
func Prepare(rec types.TrialRecord, paperText string, mode Mode, prior []types.ValidationError, model, promptVersion string) (Call, error) {
	system, err := renderSystem(mode, prior)
	if err != nil {
		return Call{}, fmt.Errorf("rendering prompt: %w", err)
	}
	input := BuildInput(rec, paperText)
	req := Request{
		Model: model,
		Input: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: "Registry Entry Text:\n\n" + input},
		},
		Temperature: 0,
		Text: TextOptions{Format: ResponseFormat{
			Type:   "json_schema",
			Name:   SchemaName,
			Schema: Schema(),
			Strict: true,
		}},
	}
	fp, err := cache.Fingerprint(req)
	if err != nil {
		return Call{}, err
	}
	return Call{
		RCTID:       rec.RCTID,
		Mode:        mode,
		Request:     req,
		InputHash:   cache.Hash(input),
		Fingerprint: fp,
		Key:         cache.Key(rec.RCTID, promptVersion, model, fp),
	}, nil
}

func renderSystem(mode Mode, prior []types.ValidationError) (string, error) {
	var buf bytes.Buffer
	err := systemPromptTmpl.Execute(&buf, struct {
		Locators    []types.SourceLocator
		DesignTypes []types.DesignType
		Strict      bool
		PriorErrors []types.ValidationError
	}{
		Locators:    types.SourceLocators,
		DesignTypes: types.DesignTypes,
		Strict:      mode == ModeStrictRetry,
		PriorErrors: prior,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
