package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AnomalyType classifies a finding.
type AnomalyType string

const (
	AnomalySpike              AnomalyType = "SPIKE"
	AnomalyNewItem            AnomalyType = "NEW_ITEM"
	AnomalyRoamingActivation  AnomalyType = "ROAMING_ACTIVATION"
	AnomalyPremiumSMSIncrease AnomalyType = "PREMIUM_SMS_INCREASE"
	AnomalyVASIncrease        AnomalyType = "VAS_INCREASE"
)

// AllAnomalyTypes returns the types in reporting order.
func AllAnomalyTypes() []AnomalyType {
	return []AnomalyType{
		AnomalySpike,
		AnomalyNewItem,
		AnomalyRoamingActivation,
		AnomalyPremiumSMSIncrease,
		AnomalyVASIncrease,
	}
}

// Order is the type's position in reporting order.
func (t AnomalyType) Order() int {
	for i, known := range AllAnomalyTypes() {
		if t == known {
			return i
		}
	}
	return len(AllAnomalyTypes())
}

// Severity of a finding.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities: LOW < MEDIUM < HIGH.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ParseSeverity accepts a severity in any case.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	return sev, sev.Rank() > 0
}

// FindingStatus is owned by the resolution workflow, never by detection.
type FindingStatus string

const (
	StatusActive        FindingStatus = "ACTIVE"
	StatusInvestigating FindingStatus = "INVESTIGATING"
	StatusResolved      FindingStatus = "RESOLVED"
)

// Valid reports whether s is a known status.
func (s FindingStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}

// AnomalyFinding is one detected deviation on a bill.
type AnomalyFinding struct {
	ID                   string          `json:"anomalyId"`
	UserID               string          `json:"userId"`
	BillID               string          `json:"billId"`
	Period               Period          `json:"period"`
	Type                 AnomalyType     `json:"type"`
	Category             Category        `json:"category"`
	Severity             Severity        `json:"severity"`
	Description          string          `json:"description"`
	DetectedAt           time.Time       `json:"detectedAt"`
	Status               FindingStatus   `json:"status"`
	ZScore               float64         `json:"zScore"`
	PercentageDifference float64         `json:"percentageDifference"`
	Amount               decimal.Decimal `json:"amount"`
	Baseline             decimal.Decimal `json:"baseline"`
	Recommendations      []string        `json:"recommendations"`
}

// DedupKey identifies a finding across runs.
func (f *AnomalyFinding) DedupKey() string {
	return strings.Join([]string{f.UserID, f.BillID, f.Period.String(), string(f.Type), string(f.Category)}, "|")
}

var findingNamespace = uuid.MustParse("8f3c2a6e-52d1-4c1b-9a57-0d9e4c7b6a21")

// FindingID derives the stable finding id from its dedup key.
func FindingID(dedupKey string) string {
	return uuid.NewSHA1(findingNamespace, []byte(dedupKey)).String()
}

// Detection run outcomes.
const (
	RunStatusAlert = "ALERT"
	RunStatusClear = "CLEAR"
)

// DetectionRun is the audit record of one detection run.
type DetectionRun struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	BillID          string    `json:"billId"`
	Period          Period    `json:"period"`
	Status          string    `json:"status"`
	HighestSeverity Severity  `json:"highestSeverity,omitempty"`
	FindingCount    int       `json:"findingCount"`
	Reasons         []string  `json:"reasons,omitempty"`
	TraceID         string    `json:"traceId,omitempty"`
	ProcessMs       int64     `json:"processMs"`
	CreatedAt       time.Time `json:"createdAt"`
}

// PeriodFindings groups the findings of one bill.
type PeriodFindings struct {
	Period   Period            `json:"period"`
	BillID   string            `json:"billId"`
	Findings []*AnomalyFinding `json:"anomalies"`
}

// AnomalySummary counts findings over recent bills.
type AnomalySummary struct {
	UserID        string              `json:"userId"`
	Periods       int                 `json:"periods"`
	TotalFindings int                 `json:"totalAnomalies"`
	ByType        map[AnomalyType]int `json:"byType"`
	BySeverity    map[Severity]int    `json:"bySeverity"`
	LatestPeriod  Period              `json:"latestPeriod"`
	Latest        []*AnomalyFinding   `json:"latest"`
}
