package main

import (
	"fmt"
	"os"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// seedFile is the billctl seed format.
type seedFile struct {
	Catalog []*domain.CatalogEntry       `yaml:"catalog"`
	Users   []*domain.UserConfiguration  `yaml:"users"`
	Bills   []*domain.BillingPeriodRecord `yaml:"bills"`
	Usage   []seedUsage                  `yaml:"usage"`
}

// seedUsage takes dates as YYYY-MM-DD strings.
type seedUsage struct {
	UserID       string          `yaml:"userId"`
	Date         string          `yaml:"date"`
	DataMB       decimal.Decimal `yaml:"dataMb"`
	VoiceMinutes int64           `yaml:"voiceMinutes"`
	SMSCount     int64           `yaml:"smsCount"`
	RoamingMB    decimal.Decimal `yaml:"roamingMb"`
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var s seedFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, entry := range s.Catalog {
		if entry == nil {
			return nil, fmt.Errorf("catalog entry %d is empty", i)
		}
		kind, err := domain.ParseCatalogKind(string(entry.Kind))
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		entry.Kind = kind
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return &s, nil
}

func (s *seedFile) usageRecords() ([]domain.UsageRecord, error) {
	records := make([]domain.UsageRecord, 0, len(s.Usage))
	for _, u := range s.Usage {
		date, err := time.Parse("2006-01-02", u.Date)
		if err != nil {
			return nil, fmt.Errorf("usage for %s: date %q must be YYYY-MM-DD", u.UserID, u.Date)
		}
		records = append(records, domain.UsageRecord{
			UserID:       u.UserID,
			Date:         date,
			DataMB:       u.DataMB,
			VoiceMinutes: u.VoiceMinutes,
			SMSCount:     u.SMSCount,
			RoamingMB:    u.RoamingMB,
		})
	}
	return records, nil
}

// entryPayload is the kind payload PUT /catalog/{kind}/{id} expects.
func entryPayload(e *domain.CatalogEntry) any {
	switch e.Kind {
	case domain.KindPlan:
		return e.Plan
	case domain.KindAddOn:
		return e.AddOn
	case domain.KindVAS:
		return e.VAS
	default:
		return e.PremiumSMS
	}
}
