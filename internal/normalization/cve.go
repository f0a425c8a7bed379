package normalization

import (
	"regexp"
	"strings"
)

var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d+`)

// CVEDiagnostic reports CVE identifiers mentioned in narrative text that the
// structured CVE column did not carry. It is informational only.
type CVEDiagnostic struct {
	Structured []string `json:"structured,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

// UnderReported reports whether narrative text names CVEs the structured field lacks.
func (d CVEDiagnostic) UnderReported() bool {
	return len(d.Missing) > 0
}

// PreserveCVEs returns the CVE field exactly as received (whitespace-trimmed).
// Every identifier in a multi-value list is kept; nothing is merged in from the
// fallback text, which is only scanned to build the diagnostic.
func PreserveCVEs(raw string, fallback ...string) (string, CVEDiagnostic) {
	stored := strings.TrimSpace(raw)

	var diag CVEDiagnostic
	have := make(map[string]struct{})
	for _, id := range ExtractCVEs(stored) {
		have[id] = struct{}{}
		diag.Structured = append(diag.Structured, id)
	}

	seen := make(map[string]struct{})
	for _, text := range fallback {
		for _, id := range ExtractCVEs(text) {
			if _, ok := have[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			diag.Missing = append(diag.Missing, id)
		}
	}

	return stored, diag
}

// ExtractCVEs returns the distinct CVE identifiers in text, upper-cased, in order of appearance.
func ExtractCVEs(text string) []string {
	matches := cvePattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		id := strings.ToUpper(m)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
