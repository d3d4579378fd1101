// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pdiddy/rct-designspec/internal/normalize"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// BuildInput renders the registry text sent to the model. The layout is
// stable: quotes are validated against these exact blocks, and the cache
// fingerprint depends on it. When paperText is non-empty it is appended
// under FULL_PAPER_TEXT.
func BuildInput(rec types.TrialRecord, paperText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", normalize.Text(rec.Title))
	fmt.Fprintf(&b, "RCT_ID: %s\n", rec.RCTID)
	if rec.DOIURL != "" {
		fmt.Fprintf(&b, "DOI: %s\n", rec.DOIURL)
	}

	blocks := SourceBlocks(rec, "")
	section := func(label string, loc types.SourceLocator) {
		fmt.Fprintf(&b, "\n%s:\n%s\n", label, blocks[loc])
	}
	section("INTERVENTION_TEXT", types.SourceInterventionText)
	section("EXPERIMENTAL_DESIGN", types.SourceExperimentalDesign)
	if blocks[types.SourceDesignDetails] != "" {
		section("EXPERIMENTAL_DESIGN_DETAILS", types.SourceDesignDetails)
	}
	if rec.RandomizationUnit != "" {
		fmt.Fprintf(&b, "\nRANDOMIZATION_UNIT: %s\n", normalize.Text(rec.RandomizationUnit))
	}
	if rec.RandomizationMethod != "" {
		fmt.Fprintf(&b, "RANDOMIZATION_METHOD: %s\n", normalize.Text(rec.RandomizationMethod))
	}
	section("PRIMARY_OUTCOMES_RAW", types.SourcePrimaryOutcomes)
	section("SECONDARY_OUTCOMES_RAW", types.SourceSecondaryOutcomes)

	if paperText = strings.TrimSpace(paperText); paperText != "" {
		fmt.Fprintf(&b, "\nFULL_PAPER_TEXT:\n%s\n", paperText)
	}
	return b.String()
}

// SourceBlocks maps every source locator to the text a quote citing it must
// be found in. The registry locator covers the whole rendered input without
// paper text; paper is empty when no paper text was supplied.
func SourceBlocks(rec types.TrialRecord, paperText string) map[types.SourceLocator]string {
	blocks := map[types.SourceLocator]string{
		types.SourceInterventionText:   normalize.Text(rec.InterventionText),
		types.SourceExperimentalDesign: normalize.Text(rec.ExperimentalDesign),
		types.SourceDesignDetails:      normalize.Text(rec.ExperimentalDesignDetails),
		types.SourcePrimaryOutcomes:    strings.Join(rec.PrimaryOutcomes, ", "),
		types.SourceSecondaryOutcomes:  strings.Join(rec.SecondaryOutcomes, ", "),
		types.SourcePaper:              strings.TrimSpace(paperText),
	}
	blocks[types.SourceRegistry] = BuildInput(rec, "")
	return blocks
}

// LoadPaper reads <dir>/<rct_id>.txt, truncated to maxChars runes. A missing
// file or empty dir yields "" without error.
func LoadPaper(dir, rctID string, maxChars int) (string, error) {
	if dir == "" {
		return "", nil
	}
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(rctID) + ".txt"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading paper text for %s: %w", rctID, err)
	}
	return truncate(normalize.Text(string(data)), maxChars), nil
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}
