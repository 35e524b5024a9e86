package store

// Timestamps are stored as fixed-width UTC text (see timeLayout) so
// the same comparison queries work on both dialects.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	raw_manifest BYTEA NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS packages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	integrity TEXT NOT NULL DEFAULT '',
	license_identifier TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS package_status (
	package_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	license_score INT NOT NULL DEFAULT 0,
	license_status TEXT NOT NULL DEFAULT '',
	security_score INT NOT NULL DEFAULT 0,
	cache_path TEXT NOT NULL DEFAULT '',
	file_size BIGINT NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	approver_id TEXT NOT NULL DEFAULT '',
	rejector_id TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_package_status_claim ON package_status (status, updated_at);

CREATE TABLE IF NOT EXISTS request_packages (
	request_id TEXT NOT NULL,
	package_id TEXT NOT NULL,
	package_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (request_id, package_id)
);
CREATE INDEX IF NOT EXISTS idx_request_packages_package ON request_packages (package_id);

CREATE TABLE IF NOT EXISTS security_scans (
	id TEXT PRIMARY KEY,
	package_id TEXT NOT NULL,
	critical_count INT NOT NULL DEFAULT 0,
	high_count INT NOT NULL DEFAULT 0,
	medium_count INT NOT NULL DEFAULT 0,
	low_count INT NOT NULL DEFAULT 0,
	info_count INT NOT NULL DEFAULT 0,
	security_score INT NOT NULL DEFAULT 0,
	raw_result JSONB,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	tool_version TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_scans_package ON security_scans (package_id, created_at);

CREATE TABLE IF NOT EXISTS supported_licenses (
	id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload BYTEA,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_log_sequence ON audit_log (sequence);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	raw_manifest BLOB NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS packages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	integrity TEXT NOT NULL DEFAULT '',
	license_identifier TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS package_status (
	package_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	license_score INTEGER NOT NULL DEFAULT 0,
	license_status TEXT NOT NULL DEFAULT '',
	security_score INTEGER NOT NULL DEFAULT 0,
	cache_path TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	approver_id TEXT NOT NULL DEFAULT '',
	rejector_id TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_package_status_claim ON package_status (status, updated_at);

CREATE TABLE IF NOT EXISTS request_packages (
	request_id TEXT NOT NULL,
	package_id TEXT NOT NULL,
	package_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (request_id, package_id)
);
CREATE INDEX IF NOT EXISTS idx_request_packages_package ON request_packages (package_id);

CREATE TABLE IF NOT EXISTS security_scans (
	id TEXT PRIMARY KEY,
	package_id TEXT NOT NULL,
	critical_count INTEGER NOT NULL DEFAULT 0,
	high_count INTEGER NOT NULL DEFAULT 0,
	medium_count INTEGER NOT NULL DEFAULT 0,
	low_count INTEGER NOT NULL DEFAULT 0,
	info_count INTEGER NOT NULL DEFAULT 0,
	security_score INTEGER NOT NULL DEFAULT 0,
	raw_result BLOB,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tool_version TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_scans_package ON security_scans (package_id, created_at);

CREATE TABLE IF NOT EXISTS supported_licenses (
	id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload BLOB,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_log_sequence ON audit_log (sequence);
`
