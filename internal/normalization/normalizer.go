// Package normalization derives stable identities from scanner-reported fields.
package normalization

import (
	"strings"

	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/model"
	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

// OtherVendor labels devices no vendor pattern recognised.
const OtherVendor = "Other"

// Normalizer converts canonical parser records into persisted finding records.
// It is safe for concurrent use.
type Normalizer struct {
	patterns func() *vendorpattern.Set
}

// NewNormalizer creates a normalizer. nil patterns uses the built-in defaults.
func NewNormalizer(patterns func() *vendorpattern.Set) *Normalizer {
	if patterns == nil {
		patterns = vendorpattern.DefaultSet
	}
	return &Normalizer{patterns: patterns}
}

// Normalize builds the finding record for one row. BatchID is left for the
// batch tracker to assign.
func (n *Normalizer) Normalize(rec ingestion.Record) (model.FindingRecord, CVEDiagnostic) {
	cve, diag := PreserveCVEs(rec.CVE, rec.NarrativeText()...)
	host := NormalizeHost(rec.Host)

	state := strings.TrimSpace(rec.State)
	if state == "" {
		state = model.DefaultState
	}

	key := KeyInput{
		Host:        rec.Host,
		CVE:         cve,
		PluginID:    rec.PluginID,
		Description: rec.Description,
		VPRScore:    rec.VPRScore,
	}
	findingKey := FindingKey(key)

	return model.FindingRecord{
		HostRaw:         rec.Host,
		Host:            host,
		IPAddress:       NormalizeIP(rec.IPAddress),
		AssetID:         rec.AssetID,
		CVE:             cve,
		Severity:        rec.Severity,
		VPRScore:        rec.VPRScore,
		CVSSScore:       rec.CVSSScore,
		PluginID:        rec.PluginID,
		PluginName:      rec.PluginName,
		PluginPublished: rec.PluginPublished,
		Description:     rec.Description,
		Solution:        rec.Solution,
		DeviceVendor:    n.DeviceVendor(rec.Family, host),
		State:           state,
		FirstSeen:       rec.FirstSeen,
		LastSeen:        rec.LastSeen,
		DedupKey:        ComputeKey(key),
		FindingKey:      findingKey,
	}, diag
}

// DeviceVendor classifies the affected device: the vendor family column first,
// then the hostname naming convention.
func (n *Normalizer) DeviceVendor(family, host string) string {
	set := n.patterns()
	if family = strings.TrimSpace(family); family != "" {
		if v, ok := set.Classify(family, vendorpattern.AxisFamily); ok {
			return v
		}
	}
	if host != "" {
		if v, ok := set.Classify(host, vendorpattern.AxisHostname); ok {
			return v
		}
	}
	return OtherVendor
}
