// Package vendorpattern classifies scanner exports and devices by vendor using
// ordered regex rules loaded from a JSON document.
package vendorpattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Axis selects which independent rule list a classification uses.
type Axis string

const (
	// AxisFamily matches product-family text: filenames, header rows, family columns.
	AxisFamily Axis = "family"
	// AxisHostname matches device naming conventions.
	AxisHostname Axis = "hostname"
)

// defaultFlags apply when a rule does not specify its own.
const defaultFlags = "i"

// Rule is one compiled pattern -> vendor label mapping.
type Rule struct {
	Pattern string `json:"pattern"`
	Vendor  string `json:"vendor"`
	Flags   string `json:"flags"`

	re *regexp.Regexp
}

// NewRule compiles a rule. Supported flags are i, m and s; the JavaScript-only
// g, u and y flags are accepted and have no effect.
func NewRule(pattern, vendor, flags string) (Rule, error) {
	if strings.TrimSpace(pattern) == "" {
		return Rule{}, fmt.Errorf("%w: empty pattern", ErrInvalidRule)
	}
	if strings.TrimSpace(vendor) == "" {
		return Rule{}, fmt.Errorf("%w: empty vendor for pattern %q", ErrInvalidRule, pattern)
	}

	var goFlags strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(goFlags.String(), f) {
				goFlags.WriteRune(f)
			}
		case 'g', 'u', 'y':
		default:
			return Rule{}, fmt.Errorf("%w: unsupported flag %q in pattern %q", ErrInvalidRule, f, pattern)
		}
	}

	expr := pattern
	if goFlags.Len() > 0 {
		expr = "(?" + goFlags.String() + ")" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	return Rule{Pattern: pattern, Vendor: strings.TrimSpace(vendor), Flags: flags, re: re}, nil
}

// Match reports whether text matches the rule.
func (r Rule) Match(text string) bool {
	return r.re != nil && r.re.MatchString(text)
}

// Set is an immutable pair of ordered rule lists.
type Set struct {
	family   []Rule
	hostname []Rule
}

// NewSet builds a Set from already compiled rules.
func NewSet(family, hostname []Rule) *Set {
	return &Set{
		family:   append([]Rule(nil), family...),
		hostname: append([]Rule(nil), hostname...),
	}
}

// Classify returns the vendor label of the first rule on axis matching text.
func (s *Set) Classify(text string, axis Axis) (string, bool) {
	if s == nil || text == "" {
		return "", false
	}
	for _, r := range s.rules(axis) {
		if r.Match(text) {
			return r.Vendor, true
		}
	}
	return "", false
}

// Len returns the number of usable rules on axis.
func (s *Set) Len(axis Axis) int {
	if s == nil {
		return 0
	}
	return len(s.rules(axis))
}

func (s *Set) rules(axis Axis) []Rule {
	switch axis {
	case AxisFamily:
		return s.family
	case AxisHostname:
		return s.hostname
	default:
		return nil
	}
}

var (
	defaultFamily = []ruleSpec{
		{Pattern: `tenable|nessus|definition\.(?:id|cve|vpr)`, Vendor: "Tenable"},
		{Pattern: `qualys|\bqid\b`, Vendor: "Qualys"},
		{Pattern: `rapid7|nexpose|insightvm`, Vendor: "Rapid7"},
		{Pattern: `openvas|greenbone`, Vendor: "OpenVAS"},
		{Pattern: `nmap`, Vendor: "Nmap"},
		{Pattern: `cisco`, Vendor: "CISCO"},
		{Pattern: `palo\s*alto`, Vendor: "Palo Alto"},
	}

	defaultHostname = []ruleSpec{
		{Pattern: `n[sr]?wan\d*`, Vendor: "CISCO"},
		{Pattern: `nfpan|pafw`, Vendor: "Palo Alto"},
	}
)

var defaultSet = sync.OnceValue(func() *Set {
	return NewSet(mustCompile(defaultFamily), mustCompile(defaultHostname))
})

// DefaultSet returns the built-in rules used when no pattern file is available.
// The returned set is shared and must not be modified.
func DefaultSet() *Set {
	return defaultSet()
}

func mustCompile(specs []ruleSpec) []Rule {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		r, err := NewRule(spec.Pattern, spec.Vendor, spec.flags())
		if err != nil {
			panic(err)
		}
		rules = append(rules, r)
	}
	return rules
}
