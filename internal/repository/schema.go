package repository

// Schema definitions for the billscope database.
// Compatible with both SQLite and PostgreSQL. Money columns hold exact decimal text.

const schemaBills = `
CREATE TABLE IF NOT EXISTS bills (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    period TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    currency TEXT NOT NULL DEFAULT '',
    total_amount TEXT NOT NULL,
    line_items TEXT NOT NULL,
    UNIQUE (user_id, period)
);

CREATE INDEX IF NOT EXISTS idx_bills_user_period ON bills(user_id, period);
`

const schemaUsage = `
CREATE TABLE IF NOT EXISTS usage_records (
    user_id TEXT NOT NULL,
    usage_date TEXT NOT NULL,
    period TEXT NOT NULL,
    data_mb TEXT NOT NULL,
    voice_minutes BIGINT NOT NULL DEFAULT 0,
    sms_count BIGINT NOT NULL DEFAULT 0,
    roaming_mb TEXT NOT NULL,
    PRIMARY KEY (user_id, usage_date)
);

CREATE INDEX IF NOT EXISTS idx_usage_user_period ON usage_records(user_id, period);
`

const schemaCatalog = `
CREATE TABLE IF NOT EXISTS catalog_entries (
    kind TEXT NOT NULL,
    id TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (kind, id)
);
`

const schemaUserConfigurations = `
CREATE TABLE IF NOT EXISTS user_configurations (
    user_id TEXT PRIMARY KEY,
    plan_id TEXT NOT NULL,
    active_addon_ids TEXT NOT NULL,
    active_vas_ids TEXT NOT NULL,
    premium_sms_blocked BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaFindings = `
CREATE TABLE IF NOT EXISTS anomaly_findings (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bill_id TEXT NOT NULL,
    period TEXT NOT NULL,
    type TEXT NOT NULL,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    description TEXT NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    z_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    pct_diff DOUBLE PRECISION NOT NULL DEFAULT 0,
    amount TEXT NOT NULL,
    baseline TEXT NOT NULL,
    recommendations TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_user_period ON anomaly_findings(user_id, period);
CREATE INDEX IF NOT EXISTS idx_findings_status ON anomaly_findings(status);
`

const schemaDetectionRuns = `
CREATE TABLE IF NOT EXISTS detection_runs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bill_id TEXT NOT NULL,
    period TEXT NOT NULL,
    status TEXT NOT NULL,
    highest_severity TEXT NOT NULL DEFAULT '',
    finding_count INTEGER NOT NULL DEFAULT 0,
    reasons TEXT NOT NULL,
    trace_id TEXT NOT NULL DEFAULT '',
    process_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_runs_user ON detection_runs(user_id, period);
CREATE INDEX IF NOT EXISTS idx_detection_runs_status ON detection_runs(status);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    action TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaBills,
		schemaUsage,
		schemaCatalog,
		schemaUserConfigurations,
		schemaFindings,
		schemaDetectionRuns,
		schemaRuleConfigs,
	}
}
