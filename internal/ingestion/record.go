package ingestion

import (
	"strconv"
	"strings"
)

// Record is the canonical, vendor-neutral shape of one scan row.
// Values are trimmed but otherwise as the scanner reported them.
type Record struct {
	Line int

	Host      string
	IPAddress string
	AssetID   string

	CVE             string
	Severity        string
	VPRScore        *float64
	CVSSScore       *float64
	PluginID        string
	PluginName      string
	PluginPublished string
	Description     string
	Solution        string
	Family          string
	State           string
	FirstSeen       string
	LastSeen        string
}

// NarrativeText returns the free-text fields scanned for CVE identifiers the
// structured column may have missed.
func (r Record) NarrativeText() []string {
	return []string{r.PluginName, r.Description}
}

// Field names a canonical record field.
type Field string

const (
	FieldHost            Field = "host"
	FieldIPAddress       Field = "ip_address"
	FieldAssetID         Field = "asset_id"
	FieldCVE             Field = "cve"
	FieldSeverity        Field = "severity"
	FieldVPR             Field = "vpr_score"
	FieldCVSS            Field = "cvss_score"
	FieldCVSSVector      Field = "cvss_vector"
	FieldPluginID        Field = "plugin_id"
	FieldPluginName      Field = "plugin_name"
	FieldPluginPublished Field = "plugin_published"
	FieldDescription     Field = "description"
	FieldSolution        Field = "solution"
	FieldFamily          Field = "family"
	FieldState           Field = "state"
	FieldFirstSeen       Field = "first_seen"
	FieldLastSeen        Field = "last_seen"
)

var allFields = []Field{
	FieldHost, FieldIPAddress, FieldAssetID, FieldCVE, FieldSeverity, FieldVPR, FieldCVSS,
	FieldCVSSVector, FieldPluginID, FieldPluginName, FieldPluginPublished, FieldDescription,
	FieldSolution, FieldFamily, FieldState, FieldFirstSeen, FieldLastSeen,
}

// FieldMap lists, per canonical field, the column names that may carry it,
// in priority order. Names are matched case-insensitively after trimming.
type FieldMap map[Field][]string

// GenericFieldMap holds best-effort column synonyms used when no vendor map
// claims a column.
var GenericFieldMap = FieldMap{
	FieldHost:            {"asset.name", "hostname", "host", "host name", "dns name", "dns", "netbios name", "asset name", "device", "device name"},
	FieldIPAddress:       {"asset.display_ipv4_address", "asset.ipv4_addresses", "ip_address", "ip address", "ip", "ipv4"},
	FieldAssetID:         {"asset.id", "asset_id", "asset id"},
	FieldCVE:             {"definition.cve", "cve", "cves", "cve id", "cve ids"},
	FieldSeverity:        {"severity", "risk", "definition.severity"},
	FieldVPR:             {"definition.vpr.score", "definition.vpr_v2.score", "vpr_score", "vpr score", "vpr"},
	FieldCVSS:            {"cvss_score", "cvss score", "cvss", "cvss3_score", "cvss v3 base score"},
	FieldCVSSVector:      {"definition.cvss3.base_vector", "cvss_vector", "cvss vector", "cvss3 vector", "cvss v3 vector"},
	FieldPluginID:        {"definition.id", "plugin_id", "plugin id", "plugin"},
	FieldPluginName:      {"definition.name", "plugin_name", "plugin name", "name", "title", "description"},
	FieldPluginPublished: {"definition.plugin_published", "definition.plugin_updated", "definition.vulnerability_published", "vulnerability_date", "plugin_published"},
	FieldDescription:     {"definition.description", "definition.name", "plugin_name", "description", "synopsis"},
	FieldSolution:        {"definition.solution", "solution", "remediation"},
	FieldFamily:          {"definition.family", "vendor", "family", "plugin family"},
	FieldState:           {"state", "status"},
	FieldFirstSeen:       {"first_seen", "first seen", "first discovered"},
	FieldLastSeen:        {"last_seen", "last seen", "last observed"},
}

// VendorFieldMaps holds column layouts of known scanner exports, keyed by the
// lowercased vendor label produced by vendor detection.
var VendorFieldMaps = map[string]FieldMap{
	"tenable": {
		FieldHost:            {"asset.name", "dns name", "netbios name", "host"},
		FieldIPAddress:       {"asset.display_ipv4_address", "asset.ipv4_addresses", "ip address"},
		FieldCVE:             {"definition.cve", "cve"},
		FieldVPR:             {"definition.vpr.score", "definition.vpr_v2.score", "vulnerability priority rating", "vpr score"},
		FieldCVSS:            {"definition.cvss3.base_score", "cvss v3 base score", "cvss v2 base score"},
		FieldPluginID:        {"definition.id", "plugin"},
		FieldPluginName:      {"definition.name", "plugin name"},
		FieldPluginPublished: {"definition.plugin_published", "plugin publication date"},
		FieldFamily:          {"definition.family", "family"},
		FieldFirstSeen:       {"first_seen", "first discovered"},
		FieldLastSeen:        {"last_seen", "last observed"},
	},
	"qualys": {
		FieldHost:        {"dns", "netbios", "ip"},
		FieldIPAddress:   {"ip"},
		FieldCVE:         {"cve id"},
		FieldCVSS:        {"cvss3.1 base", "cvss3 base", "cvss base"},
		FieldPluginID:    {"qid"},
		FieldPluginName:  {"title"},
		FieldDescription: {"threat", "title"},
		FieldFamily:      {"category"},
		FieldState:       {"vuln status"},
		FieldFirstSeen:   {"first detected"},
		FieldLastSeen:    {"last detected"},
	},
	"rapid7": {
		FieldHost:        {"asset names", "asset ip address"},
		FieldIPAddress:   {"asset ip address"},
		FieldAssetID:     {"asset id"},
		FieldCVE:         {"vulnerability cve ids"},
		FieldSeverity:    {"vulnerability severity level"},
		FieldCVSS:        {"vulnerability cvssv3 score", "vulnerability cvss score"},
		FieldPluginID:    {"vulnerability id"},
		FieldPluginName:  {"vulnerability title"},
		FieldDescription: {"vulnerability description", "vulnerability title"},
		FieldSolution:    {"solution"},
	},
}

// Mapper resolves columns for one vendor: its own map first, generic synonyms after.
type Mapper struct {
	maps []FieldMap
}

// NewMapper returns the mapper for a detected vendor label.
func NewMapper(vendor string) *Mapper {
	m := &Mapper{}
	if fm, ok := VendorFieldMaps[strings.ToLower(strings.TrimSpace(vendor))]; ok {
		m.maps = append(m.maps, fm)
	}
	m.maps = append(m.maps, GenericFieldMap)
	return m
}

// Binding maps each canonical field to a column index, or -1 when absent.
type Binding map[Field]int

// Bind resolves the header row once for a file.
func (m *Mapper) Bind(headers []string) Binding {
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}

	b := make(Binding, len(allFields))
	for _, f := range allFields {
		b[f] = -1
	lookup:
		for _, fm := range m.maps {
			for _, name := range fm[f] {
				if i, ok := index[name]; ok {
					b[f] = i
					break lookup
				}
			}
		}
	}
	return b
}

// Has reports whether the header row carries the field.
func (b Binding) Has(f Field) bool {
	return b[f] >= 0
}

func (b Binding) value(values []string, f Field) string {
	i, ok := b[f]
	if !ok || i < 0 || i >= len(values) {
		return ""
	}
	return strings.TrimSpace(values[i])
}

// Record builds the canonical record for one row of values.
func (b Binding) Record(values []string, line int) (Record, error) {
	rec := Record{
		Line:            line,
		Host:            b.value(values, FieldHost),
		IPAddress:       b.value(values, FieldIPAddress),
		AssetID:         b.value(values, FieldAssetID),
		CVE:             b.value(values, FieldCVE),
		Severity:        b.value(values, FieldSeverity),
		PluginID:        b.value(values, FieldPluginID),
		PluginName:      b.value(values, FieldPluginName),
		PluginPublished: b.value(values, FieldPluginPublished),
		Description:     b.value(values, FieldDescription),
		Solution:        b.value(values, FieldSolution),
		Family:          b.value(values, FieldFamily),
		State:           b.value(values, FieldState),
		FirstSeen:       b.value(values, FieldFirstSeen),
		LastSeen:        b.value(values, FieldLastSeen),
	}

	if rec.Host == "" {
		rec.Host = firstIP(rec.IPAddress)
	}
	if rec.Host == "" {
		return rec, &RowError{Line: line, Reason: ReasonMissingHost}
	}

	vpr, err := parseScore(b.value(values, FieldVPR))
	if err != nil {
		return rec, &RowError{Line: line, Reason: ReasonInvalidVPR, Detail: err.Error()}
	}
	rec.VPRScore = vpr

	cvss, err := parseScore(b.value(values, FieldCVSS))
	if err != nil {
		return rec, &RowError{Line: line, Reason: ReasonInvalidCVSS, Detail: err.Error()}
	}
	if cvss == nil {
		if score, ok := ScoreVector(b.value(values, FieldCVSSVector)); ok {
			cvss = &score
		}
	}
	rec.CVSSScore = cvss

	return rec, nil
}

var blankScores = map[string]struct{}{"": {}, "-": {}, "n/a": {}, "na": {}, "none": {}, "null": {}}

// parseScore parses a 0-10 score. Blank markers yield nil.
func parseScore(s string) (*float64, error) {
	if _, ok := blankScores[strings.ToLower(s)]; ok {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if v < 0 || v > 10 {
		return nil, strconv.ErrRange
	}
	return &v, nil
}

// firstIP returns the first entry of a comma-separated address list.
func firstIP(raw string) string {
	for _, part := range strings.Split(raw, ",") {
		if ip := strings.TrimSpace(part); ip != "" {
			return ip
		}
	}
	return ""
}
