package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CatalogKind identifies the kind of catalog entry.
type CatalogKind string

const (
	KindPlan       CatalogKind = "PLAN"
	KindAddOn      CatalogKind = "ADDON"
	KindVAS        CatalogKind = "VAS"
	KindPremiumSMS CatalogKind = "PREMIUM_SMS"
)

// ParseCatalogKind accepts the kind in any case ("plan", "addon", "vas", "premium_sms").
func ParseCatalogKind(s string) (CatalogKind, error) {
	k := CatalogKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindPlan, KindAddOn, KindVAS, KindPremiumSMS:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown catalog kind %q", ErrInvalidInput, s)
}

// Quota holds the three quota-bearing dimensions.
type Quota struct {
	DataGB       decimal.Decimal `json:"dataGb" yaml:"dataGb"`
	VoiceMinutes decimal.Decimal `json:"voiceMinutes" yaml:"voiceMinutes"`
	SMS          decimal.Decimal `json:"sms" yaml:"sms"`
}

// Add returns the dimension-wise sum.
func (q Quota) Add(o Quota) Quota {
	return Quota{
		DataGB:       q.DataGB.Add(o.DataGB),
		VoiceMinutes: q.VoiceMinutes.Add(o.VoiceMinutes),
		SMS:          q.SMS.Add(o.SMS),
	}
}

// OverageRates are per-unit prices beyond quota.
type OverageRates struct {
	PerGB     decimal.Decimal `json:"perGb" yaml:"perGb"`
	PerMinute decimal.Decimal `json:"perMinute" yaml:"perMinute"`
	PerSMS    decimal.Decimal `json:"perSms" yaml:"perSms"`
}

// Plan is a tariff plan.
type Plan struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Type       string          `json:"type,omitempty" yaml:"type,omitempty"`
	MonthlyFee decimal.Decimal `json:"monthlyFee" yaml:"monthlyFee"`
	Quota      Quota           `json:"quota" yaml:"quota"`
	Overage    OverageRates    `json:"overage" yaml:"overage"`

	// BillingBlock rounds overage up to whole blocks per dimension. Zero means exact proration.
	BillingBlock Quota `json:"billingBlock" yaml:"billingBlock"`

	RoamingPerMB decimal.Decimal `json:"roamingPerMb" yaml:"roamingPerMb"`
}

// AddOn is a purchasable quota pack.
type AddOn struct {
	ID    string          `json:"id" yaml:"id"`
	Name  string          `json:"name" yaml:"name"`
	Type  Category        `json:"type" yaml:"type"` // DATA, VOICE or SMS
	Price decimal.Decimal `json:"price" yaml:"price"`
	Extra Quota           `json:"extra" yaml:"extra"`
}

// VAS is a value-added service billed monthly.
type VAS struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Provider   string          `json:"provider,omitempty" yaml:"provider,omitempty"`
	MonthlyFee decimal.Decimal `json:"monthlyFee" yaml:"monthlyFee"`
}

// PremiumSMS is a premium-rate short code.
type PremiumSMS struct {
	Shortcode string          `json:"shortcode" yaml:"shortcode"`
	Provider  string          `json:"provider,omitempty" yaml:"provider,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice" yaml:"unitPrice"`
}

// CatalogEntry is a tagged union over the catalog kinds; exactly one payload is set.
type CatalogEntry struct {
	Kind       CatalogKind `json:"kind" yaml:"kind"`
	Plan       *Plan       `json:"plan,omitempty" yaml:"plan,omitempty"`
	AddOn      *AddOn      `json:"addon,omitempty" yaml:"addon,omitempty"`
	VAS        *VAS        `json:"vas,omitempty" yaml:"vas,omitempty"`
	PremiumSMS *PremiumSMS `json:"premiumSms,omitempty" yaml:"premiumSms,omitempty"`
}

// ID returns the entry's catalog id.
func (e *CatalogEntry) ID() string {
	switch e.Kind {
	case KindPlan:
		if e.Plan != nil {
			return e.Plan.ID
		}
	case KindAddOn:
		if e.AddOn != nil {
			return e.AddOn.ID
		}
	case KindVAS:
		if e.VAS != nil {
			return e.VAS.ID
		}
	case KindPremiumSMS:
		if e.PremiumSMS != nil {
			return e.PremiumSMS.Shortcode
		}
	}
	return ""
}

// Name returns a display name.
func (e *CatalogEntry) Name() string {
	switch {
	case e.Plan != nil:
		return e.Plan.Name
	case e.AddOn != nil:
		return e.AddOn.Name
	case e.VAS != nil:
		return e.VAS.Name
	case e.PremiumSMS != nil:
		return e.PremiumSMS.Provider
	}
	return ""
}

// Price returns the monthly fee or unit price.
func (e *CatalogEntry) Price() decimal.Decimal {
	switch {
	case e.Plan != nil:
		return e.Plan.MonthlyFee
	case e.AddOn != nil:
		return e.AddOn.Price
	case e.VAS != nil:
		return e.VAS.MonthlyFee
	case e.PremiumSMS != nil:
		return e.PremiumSMS.UnitPrice
	}
	return decimal.Zero
}

// Validate checks that the payload matches the kind and prices are non-negative.
func (e *CatalogEntry) Validate() error {
	var ok bool
	switch e.Kind {
	case KindPlan:
		ok = e.Plan != nil
		if ok && (e.Plan.Overage.PerGB.IsNegative() || e.Plan.Overage.PerMinute.IsNegative() || e.Plan.Overage.PerSMS.IsNegative()) {
			return fmt.Errorf("%w: plan %s overage rates must be non-negative", ErrInvalidInput, e.Plan.ID)
		}
	case KindAddOn:
		ok = e.AddOn != nil
	case KindVAS:
		ok = e.VAS != nil
	case KindPremiumSMS:
		ok = e.PremiumSMS != nil
	default:
		return fmt.Errorf("%w: unknown catalog kind %q", ErrInvalidInput, e.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s entry is missing its payload", ErrInvalidInput, e.Kind)
	}
	if e.ID() == "" {
		return fmt.Errorf("%w: %s entry id is required", ErrInvalidInput, e.Kind)
	}
	if e.Price().IsNegative() {
		return fmt.Errorf("%w: %s %s price must be non-negative", ErrInvalidInput, e.Kind, e.ID())
	}
	return nil
}

// UserConfiguration is a subscriber's live plan, add-ons and VAS.
type UserConfiguration struct {
	UserID         string   `json:"userId" yaml:"userId"`
	PlanID         string   `json:"planId" yaml:"planId"`
	ActiveAddOnIDs []string `json:"activeAddonIds" yaml:"activeAddonIds"`
	ActiveVASIDs   []string `json:"activeVasIds" yaml:"activeVasIds"`

	PremiumSMSBlocked bool `json:"premiumSmsBlocked" yaml:"premiumSmsBlocked"`
}
