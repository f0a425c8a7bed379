package normalization

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lvonguyen/scanledger/internal/ingestion"
)

var dottedQuad = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// NormalizeHost canonicalizes a free-form hostname or IP into a stable identity key.
//
// A dotted quad whose octets are all within 0-255 is returned lowercased and intact.
// Anything else is treated as a DNS name and reduced to its leftmost label, lowercased.
// Malformed quads ("300.300.300.300", "10.95.6") therefore collapse to their first
// octet; existing dedup keys depend on that, so it must not change without a key migration.
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if host == "" {
		return ""
	}

	if isIPv4(host) {
		return strings.ToLower(host)
	}

	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

// ResolveHost makes sure rec carries a host that normalizes to a non-empty
// identity. A host such as ".example.net" normalizes to "", in which case the
// first valid IPv4 from the IP column replaces it. With neither, the row is
// rejected as missing_host.
func ResolveHost(rec *ingestion.Record) error {
	if NormalizeHost(rec.Host) != "" {
		return nil
	}
	if ip := NormalizeIP(rec.IPAddress); ip != "" {
		rec.Host = ip
		return nil
	}
	return &ingestion.RowError{Line: rec.Line, Reason: ingestion.ReasonMissingHost}
}

// NormalizeIP returns the first valid IPv4 address from a comma-separated list, or "".
func NormalizeIP(raw string) string {
	for _, part := range strings.Split(raw, ",") {
		ip := strings.TrimSpace(part)
		if isIPv4(ip) {
			return strings.ToLower(ip)
		}
	}
	return ""
}

func isIPv4(s string) bool {
	if !dottedQuad.MatchString(s) {
		return false
	}
	for _, octet := range strings.Split(s, ".") {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
