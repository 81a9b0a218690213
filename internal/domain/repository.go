// Package domain defines the core types and collaborator interfaces for billscope.
package domain

import (
	"context"
	"time"
)

// BillingStore is the read side of the external billing and metering stores.
type BillingStore interface {
	// GetBill returns the issued bill for a period, or ErrNotFound.
	GetBill(ctx context.Context, userID string, period Period) (*BillingPeriodRecord, error)

	// GetBillHistory returns up to limit bills issued before the period, oldest first.
	// A limit <= 0 returns all of them.
	GetBillHistory(ctx context.Context, userID string, before Period, limit int) ([]*BillingPeriodRecord, error)

	// GetUsage returns the period's usage records ordered by date.
	GetUsage(ctx context.Context, userID string, period Period) ([]UsageRecord, error)

	// GetUserConfiguration returns the live configuration, or ErrNotFound.
	GetUserConfiguration(ctx context.Context, userID string) (*UserConfiguration, error)
}

// CatalogStore resolves pricing facts.
type CatalogStore interface {
	ResolveCatalogEntry(ctx context.Context, kind CatalogKind, id string) (*CatalogEntry, error)
	ListCatalog(ctx context.Context, kind CatalogKind) ([]*CatalogEntry, error)
}

// CohortStore groups users by their live configuration.
type CohortStore interface {
	// ListUsersByPlan returns the ids of users whose live plan is planID, sorted.
	ListUsersByPlan(ctx context.Context, planID string) ([]string, error)
}

// ConfigurationStore reads and replaces live configurations.
type ConfigurationStore interface {
	GetUserConfiguration(ctx context.Context, userID string) (*UserConfiguration, error)
	SaveUserConfiguration(ctx context.Context, cfg *UserConfiguration) error
}

// FindingStore persists anomaly findings and detection runs.
type FindingStore interface {
	// SaveFindings upserts by finding id. Stored status and first detectedAt win
	// over the incoming values and are written back into the findings.
	SaveFindings(ctx context.Context, findings []*AnomalyFinding) error
	ListFindings(ctx context.Context, userID string, period Period) ([]*AnomalyFinding, error)
	UpdateFindingStatus(ctx context.Context, findingID string, status FindingStatus) (*AnomalyFinding, error)

	SaveDetectionRun(ctx context.Context, run *DetectionRun) error
	GetDetectionRun(ctx context.Context, runID string) (*DetectionRun, error)
}

// RuleStore persists operator finding rules.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
}

// Repository is the SQL-backed implementation of every store plus ingestion.
type Repository interface {
	BillingStore
	CatalogStore
	CohortStore
	FindingStore
	RuleStore

	// Ingestion
	SaveBill(ctx context.Context, bill *BillingPeriodRecord) error
	SaveUsage(ctx context.Context, records []UsageRecord) error
	SaveCatalogEntry(ctx context.Context, entry *CatalogEntry) error
	SaveUserConfiguration(ctx context.Context, cfg *UserConfiguration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
