package store

import "strings"

// schemaTemplate is shared by both SQL dialects; {{id}} and {{float}} are
// substituted per driver. Vendor timestamps stay TEXT: they are kept verbatim.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS import_batches (
	id            {{id}},
	ref           TEXT NOT NULL UNIQUE,
	filename      TEXT NOT NULL,
	vendor        TEXT NOT NULL,
	scan_date     TEXT NOT NULL DEFAULT '',
	imported_at   TIMESTAMP NOT NULL,
	row_count     INTEGER NOT NULL DEFAULT 0,
	committed     INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	duplicates    INTEGER NOT NULL DEFAULT 0,
	file_size     BIGINT NOT NULL DEFAULT 0,
	raw_headers   TEXT NOT NULL DEFAULT '[]',
	processing_ms BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS findings (
	id               {{id}},
	batch_id         BIGINT NOT NULL REFERENCES import_batches(id),
	host_raw         TEXT NOT NULL,
	normalized_host  TEXT NOT NULL,
	ip_address       TEXT NOT NULL DEFAULT '',
	asset_id         TEXT NOT NULL DEFAULT '',
	cve              TEXT NOT NULL DEFAULT '',
	severity         TEXT NOT NULL DEFAULT '',
	vpr_score        {{float}},
	cvss_score       {{float}},
	plugin_id        TEXT NOT NULL DEFAULT '',
	plugin_name      TEXT NOT NULL DEFAULT '',
	plugin_published TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	solution         TEXT NOT NULL DEFAULT '',
	device_vendor    TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL DEFAULT 'ACTIVE',
	first_seen       TEXT NOT NULL DEFAULT '',
	last_seen        TEXT NOT NULL DEFAULT '',
	dedup_key        TEXT NOT NULL,
	finding_key      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_batch ON findings (batch_id);
CREATE INDEX IF NOT EXISTS idx_findings_host ON findings (normalized_host);
CREATE INDEX IF NOT EXISTS idx_findings_dedup_key ON findings (dedup_key);
CREATE INDEX IF NOT EXISTS idx_findings_finding_key ON findings (finding_key);
CREATE INDEX IF NOT EXISTS idx_findings_cve ON findings (cve);
`

func schemaFor(driver string) []string {
	r := strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{float}}", "REAL",
	)
	if driver == DriverPostgres {
		r = strings.NewReplacer(
			"{{id}}", "BIGSERIAL PRIMARY KEY",
			"{{float}}", "DOUBLE PRECISION",
		)
	}

	var stmts []string
	for _, stmt := range strings.Split(r.Replace(schemaTemplate), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
