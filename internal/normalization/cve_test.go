package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPreserveCVEs_FullListKept guards against storing only the first CVE of a list.
func TestPreserveCVEs_FullListKept(t *testing.T) {
	stored, diag := PreserveCVEs("  CVE-2023-0001, CVE-2023-0002  ")

	assert.Equal(t, "CVE-2023-0001, CVE-2023-0002", stored)
	assert.Equal(t, []string{"CVE-2023-0001", "CVE-2023-0002"}, diag.Structured)
	assert.False(t, diag.UnderReported())
}

func TestPreserveCVEs_DiagnosticNotMerged(t *testing.T) {
	stored, diag := PreserveCVEs("CVE-2023-0001",
		"Cisco IOS XE (CVE-2023-0001, cve-2023-20198)",
		"See CVE-2023-20198 and CVE-2023-20273",
	)

	assert.Equal(t, "CVE-2023-0001", stored)
	assert.True(t, diag.UnderReported())
	assert.Equal(t, []string{"CVE-2023-20198", "CVE-2023-20273"}, diag.Missing)
}

func TestPreserveCVEs_NonCVEIdentifiersKept(t *testing.T) {
	stored, diag := PreserveCVEs("cisco-sa-iosxe-webui-privesc-j22SaA4z")

	assert.Equal(t, "cisco-sa-iosxe-webui-privesc-j22SaA4z", stored)
	assert.Empty(t, diag.Structured)
}

func TestExtractCVEs(t *testing.T) {
	assert.Nil(t, ExtractCVEs("no identifiers here"))
	assert.Equal(t, []string{"CVE-2021-44228"}, ExtractCVEs("cve-2021-44228 and CVE-2021-44228"))
}
