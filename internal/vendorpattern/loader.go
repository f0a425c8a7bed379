package vendorpattern

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// EnvPath overrides the pattern file location for deployments.
const EnvPath = "SCANLEDGER_VENDOR_PATTERNS"

// DefaultPath is used when neither an explicit path nor EnvPath is set.
const DefaultPath = "config/vendor-patterns.json"

// Common errors.
var (
	ErrInvalidRule = errors.New("invalid vendor pattern rule")
)

type ruleSpec struct {
	Pattern string  `json:"pattern"`
	Vendor  string  `json:"vendor"`
	Flags   *string `json:"flags,omitempty"`
}

func (r ruleSpec) flags() string {
	if r.Flags == nil {
		return defaultFlags
	}
	return *r.Flags
}

type document struct {
	Family   *[]ruleSpec `json:"familyVendorPatterns"`
	Hostname *[]ruleSpec `json:"hostnameVendorPatterns"`
}

// Loader loads pattern files and caches the compiled result per resolved path.
// Callers that want process-wide reuse share one Loader.
type Loader struct {
	mu     sync.Mutex
	cache  map[string]*Set
	logger *zap.Logger
}

// NewLoader creates a new pattern loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cache:  make(map[string]*Set),
		logger: logger.With(zap.String("component", "vendorpattern")),
	}
}

// ResolvePath applies the explicit path, then EnvPath, then DefaultPath.
func ResolvePath(path string) string {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		path = DefaultPath
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Load returns the pattern set for path. It never fails: a missing or unreadable
// file yields DefaultSet, and a bad rule is logged and dropped on its own.
func (l *Loader) Load(path string) *Set {
	resolved := ResolvePath(path)

	l.mu.Lock()
	defer l.mu.Unlock()

	if set, ok := l.cache[resolved]; ok {
		return set
	}
	set := l.read(resolved)
	l.cache[resolved] = set
	return set
}

// Reload drops any cached entry for path and reads it again.
func (l *Loader) Reload(path string) *Set {
	resolved := ResolvePath(path)

	l.mu.Lock()
	delete(l.cache, resolved)
	l.mu.Unlock()

	return l.Load(path)
}

// Refresh clears the whole cache; the next Load re-reads from disk.
func (l *Loader) Refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Set)
}

func (l *Loader) read(path string) *Set {
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("Vendor pattern file unavailable, using built-in defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return DefaultSet()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.logger.Warn("Vendor pattern file is not valid JSON, using built-in defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return DefaultSet()
	}

	family := defaultFamily
	if doc.Family != nil {
		family = *doc.Family
	} else {
		l.logger.Info("familyVendorPatterns missing, using built-in defaults", zap.String("path", path))
	}
	hostname := defaultHostname
	if doc.Hostname != nil {
		hostname = *doc.Hostname
	} else {
		l.logger.Info("hostnameVendorPatterns missing, using built-in defaults", zap.String("path", path))
	}

	set := NewSet(l.compile(path, AxisFamily, family), l.compile(path, AxisHostname, hostname))
	l.logger.Info("Loaded vendor patterns",
		zap.String("path", path),
		zap.Int("family_rules", set.Len(AxisFamily)),
		zap.Int("hostname_rules", set.Len(AxisHostname)),
	)
	return set
}

// compile keeps every rule that compiles; failures are logged and filtered out.
func (l *Loader) compile(path string, axis Axis, specs []ruleSpec) []Rule {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		r, err := NewRule(spec.Pattern, spec.Vendor, spec.flags())
		if err != nil {
			l.logger.Warn("Dropping invalid vendor pattern",
				zap.String("path", path),
				zap.String("axis", string(axis)),
				zap.Int("index", i),
				zap.String("pattern", spec.Pattern),
				zap.Error(err),
			)
			continue
		}
		rules = append(rules, r)
	}
	return rules
}
