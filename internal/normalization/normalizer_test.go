package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/model"
)

func TestNormalize_Record(t *testing.T) {
	n := NewNormalizer(nil)
	vpr := 6.7

	rec, diag := n.Normalize(ingestion.Record{
		Host:        "NWAN10.MMPLP.NET",
		IPAddress:   "bogus, 10.95.6.210",
		CVE:         " CVE-2023-0001, CVE-2023-0002 ",
		PluginName:  "Cisco IOS XE (CVE-2023-20198)",
		Description: "Multiple vulnerabilities",
		VPRScore:    &vpr,
		Family:      "CISCO",
	})

	assert.Equal(t, "NWAN10.MMPLP.NET", rec.HostRaw)
	assert.Equal(t, "nwan10", rec.Host)
	assert.Equal(t, "10.95.6.210", rec.IPAddress)
	assert.Equal(t, "CVE-2023-0001, CVE-2023-0002", rec.CVE)
	assert.Equal(t, model.DefaultState, rec.State)
	assert.Equal(t, "CISCO", rec.DeviceVendor)
	assert.Equal(t, "CVE-2023-0001, CVE-2023-0002", rec.FindingKey)
	assert.Equal(t, "nwan10|CVE-2023-0001, CVE-2023-0002", rec.DedupKey)
	assert.Equal(t, ComputeKey(KeyInput{Host: rec.HostRaw, CVE: rec.CVE}), rec.DedupKey)

	require.True(t, diag.UnderReported())
	assert.Equal(t, []string{"CVE-2023-20198"}, diag.Missing)
}

// TestNormalize_CVERoundTrip verifies a multi-value CVE field survives unchanged.
func TestNormalize_CVERoundTrip(t *testing.T) {
	n := NewNormalizer(nil)
	field := "CVE-2023-0001,CVE-2023-0002;CVE-2023-0003"

	rec, _ := n.Normalize(ingestion.Record{Host: "h1", CVE: field})

	assert.Equal(t, field, rec.CVE)
	assert.Equal(t, []string{"CVE-2023-0001", "CVE-2023-0002", "CVE-2023-0003"}, rec.CVEs())
	assert.True(t, rec.HasCVE("cve-2023-0003"))
}

func TestDeviceVendor(t *testing.T) {
	n := NewNormalizer(nil)

	assert.Equal(t, "Palo Alto", n.DeviceVendor("Palo Alto Local Security Checks", "fw01"))
	assert.Equal(t, "CISCO", n.DeviceVendor("General", "tulsanswan01"))
	assert.Equal(t, "Palo Alto", n.DeviceVendor("", "okcnfpan02"))
	assert.Equal(t, OtherVendor, n.DeviceVendor("General", "web01"))
}
