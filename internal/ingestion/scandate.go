package ingestion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	monthDayPattern = regexp.MustCompile(`(?i)(jan|feb|mar|apr|may|jun|jul|aug|sept|sep|oct|nov|dec)(\d{1,2})`)
	usDatePattern   = regexp.MustCompile(`(\d{1,2})[_-](\d{1,2})[_-](\d{4})`)
	isoDatePattern  = regexp.MustCompile(`(\d{4})[_-](\d{1,2})[_-](\d{1,2})`)
)

var months = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
}

// ScanDateFromFilename extracts the scan date scanners and operators embed in
// export names ("vulns_aug28.csv", "export_08_28_2025.csv", "scan-2025-08-28.json").
// Month-day names assume the year of now. Returns "" when no valid date is found.
func ScanDateFromFilename(name string, now time.Time) string {
	if m := monthDayPattern.FindStringSubmatch(name); m != nil {
		day, _ := strconv.Atoi(m[2])
		if d, ok := validDate(now.Year(), months[strings.ToLower(m[1])], day); ok {
			return d
		}
	}

	if m := usDatePattern.FindStringSubmatch(name); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if d, ok := validDate(year, month, day); ok {
			return d
		}
	}

	if m := isoDatePattern.FindStringSubmatch(name); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if d, ok := validDate(year, month, day); ok {
			return d
		}
	}

	return ""
}

func validDate(year, month, day int) (string, bool) {
	s := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return "", false
	}
	return s, true
}
