package contracts

import (
	"encoding/json"
	"time"
)

// User is an authenticated operator. Users are provisioned by the
// administrative surface; the pipeline only ever reads them.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is a single manifest submission. It is immutable after
// creation except for the boundary-layer parse outcome.
type Request struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RawManifest []byte    `json:"-"`
	Status      string    `json:"status"` // RequestReceived | RequestParseFailed
	CreatedAt   time.Time `json:"created_at"`
}

// Request boundary statuses. Pipeline progress is never stored on the
// request; it is derived per query by the aggregator.
const (
	RequestReceived    = "received"
	RequestParseFailed = "parse_failed"
)

// Package is a unique (name, version) observed in some manifest,
// plus the upstream coordinates copied from its first observation.
type Package struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	URL               string    `json:"url,omitempty"`
	Integrity         string    `json:"integrity,omitempty"`
	LicenseIdentifier string    `json:"license_identifier,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// PackageStatus is the 1:1 durable pipeline state of a package. Only
// stage workers, the approval service, and the supervisor mutate it.
type PackageStatus struct {
	PackageID       string     `json:"package_id"`
	Status          Status     `json:"status"`
	LicenseScore    int        `json:"license_score"`
	LicenseStatus   string     `json:"license_status,omitempty"` // classifier tier
	SecurityScore   int        `json:"security_score"`
	CachePath       string     `json:"cache_path,omitempty"`
	FileSize        int64      `json:"file_size"`
	Checksum        string     `json:"checksum,omitempty"`
	ApproverID      string     `json:"approver_id,omitempty"`
	RejectorID      string     `json:"rejector_id,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Link types for RequestPackage rows.
const (
	PackageTypeNew      = "new"
	PackageTypeExisting = "existing"
)

// RequestPackage links a request to a package it referenced. Created
// at parse time, immutable afterwards.
type RequestPackage struct {
	RequestID   string    `json:"request_id"`
	PackageID   string    `json:"package_id"`
	PackageType string    `json:"package_type"` // new | existing
	CreatedAt   time.Time `json:"created_at"`
}

// SecurityScan is one scan run over a cached package tree. Append
// only; the latest row is the one surfaced by the API.
type SecurityScan struct {
	ID            string          `json:"id"`
	PackageID     string          `json:"package_id"`
	CriticalCount int             `json:"critical_count"`
	HighCount     int             `json:"high_count"`
	MediumCount   int             `json:"medium_count"`
	LowCount      int             `json:"low_count"`
	InfoCount     int             `json:"info_count"`
	SecurityScore int             `json:"security_score"`
	RawResult     json.RawMessage `json:"raw_result,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	ToolVersion   string          `json:"tool_version,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SupportedLicense is one row of the licence policy table, managed
// out of band and read by the classifier.
type SupportedLicense struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Tier       Tier      `json:"tier"`
	CreatedAt  time.Time `json:"created_at"`
}

// RequestAggregate is the derived projection of a request's packages.
type RequestAggregate struct {
	RequestID            string         `json:"request_id"`
	TotalPackages        int            `json:"total_packages"`
	CountsByStatus       map[Status]int `json:"counts_by_status"`
	CompletionPercentage float64        `json:"completion_percentage"`
	CurrentStatus        string         `json:"current_status"`
}

// Derived request statuses produced by the aggregator.
const (
	AggregateNoPackages      = "no_packages"
	AggregateProcessing      = "processing"
	AggregatePendingApproval = "pending_approval"
	AggregateApproved        = "approved"
)
