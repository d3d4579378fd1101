// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package normalize

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	blankRun   = regexp.MustCompile(`\n{3,}`)
	bulletMark = regexp.MustCompile(`^[-*\x{2022}]\s*`)
	semicolons = regexp.MustCompile(`;\s*`)
)

// Text normalizes a registry value: HTML escapes are decoded, line endings
// become \n, runs of spaces and tabs collapse to one space, and three or more
// newlines collapse to a blank line. Numbers are formatted; other non-string
// values yield "".
func Text(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case bool:
		return ""
	default:
		if n, ok := v.(fmt.Stringer); ok {
			s = n.String()
		} else {
			return ""
		}
	}
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRun.ReplaceAllString(s, " ")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// SplitBullets splits a multiline registry field into items. Newline lists
// win and lose their bullet markers; otherwise the text is split on
// semicolons. A single undivided value yields a one-element list.
func SplitBullets(v any) []string {
	t := Text(v)
	if t == "" {
		return []string{}
	}
	if strings.Contains(t, "\n") {
		var items []string
		for _, line := range strings.Split(t, "\n") {
			line = strings.TrimSpace(bulletMark.ReplaceAllString(strings.TrimSpace(line), ""))
			if line != "" {
				items = append(items, line)
			}
		}
		return items
	}

	var parts []string
	for _, p := range semicolons.Split(t, -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 1 {
		return parts
	}
	return []string{t}
}

// ParseBool interprets yes/no style registry answers. The second result is
// false when the value is empty or not recognized.
func ParseBool(v any) (bool, bool) {
	switch strings.ToLower(Text(v)) {
	case "yes", "y", "true", "1":
		return true, true
	case "no", "n", "false", "0":
		return false, true
	}
	return false, false
}

// Dedup trims items and drops empties and repeats, preserving first-seen order.
func Dedup(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
