package normalization

import (
	"strconv"
	"strings"
)

// descriptionKeyLen bounds the description fragment used by plugin-based keys.
const descriptionKeyLen = 100

// KeyInput carries the record fields the dedup key is derived from.
type KeyInput struct {
	Host        string
	CVE         string
	PluginID    string
	Description string
	VPRScore    *float64
}

// ComputeKey derives the composite identity of one host+finding pair. Two records
// with equal keys are the same logical finding, whichever batch they came from.
func ComputeKey(in KeyInput) string {
	return NormalizeHost(in.Host) + "|" + FindingKey(in)
}

// FindingKey is the host-independent part of the dedup key. It is what the
// aggregation engine groups hosts under.
//
// Fallback chain, first applicable wins:
//  1. trimmed CVE field
//  2. plugin id + "|" + first 100 characters of the trimmed description
//  3. trimmed description + "|" + VPR score ("0" when absent)
func FindingKey(in KeyInput) string {
	if cve := strings.TrimSpace(in.CVE); cve != "" {
		return cve
	}

	if plugin := strings.TrimSpace(in.PluginID); plugin != "" {
		return plugin + "|" + truncateRunes(strings.TrimSpace(in.Description), descriptionKeyLen)
	}

	return strings.TrimSpace(in.Description) + "|" + formatVPR(in.VPRScore)
}

func formatVPR(v *float64) string {
	if v == nil {
		return "0"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
