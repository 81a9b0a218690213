package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Period is a calendar billing month.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a "YYYY-MM" period.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Period{}, fmt.Errorf("%w: period %q must be YYYY-MM", ErrInvalidInput, s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// AddMonths shifts the period by n months (n may be negative).
func (p Period) AddMonths(n int) Period {
	return PeriodOf(p.Start().AddDate(0, n, 0))
}

// Prev returns the preceding period.
func (p Period) Prev() Period {
	return p.AddMonths(-1)
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = Period{}
		return nil
	}
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Category classifies a bill charge.
type Category string

const (
	CategoryPlan       Category = "PLAN"
	CategoryData       Category = "DATA"
	CategoryVoice      Category = "VOICE"
	CategorySMS        Category = "SMS"
	CategoryRoaming    Category = "ROAMING"
	CategoryPremiumSMS Category = "PREMIUM_SMS"
	CategoryVAS        Category = "VAS"
	CategoryOneOff     Category = "ONE_OFF"
	CategoryTax        Category = "TAX"
)

var allCategories = []Category{
	CategoryPlan,
	CategoryData,
	CategoryVoice,
	CategorySMS,
	CategoryRoaming,
	CategoryPremiumSMS,
	CategoryVAS,
	CategoryOneOff,
	CategoryTax,
}

// AllCategories returns every category in display order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Order is the category's position in display order.
func (c Category) Order() int {
	for i, known := range allCategories {
		if c == known {
			return i
		}
	}
	return len(allCategories)
}

// Line item subtypes.
const (
	SubtypePackage    = "PACKAGE"
	SubtypeOverage    = "OVERAGE"
	SubtypeOneTime    = "ONE_TIME"
	SubtypeMonthlyFee = "MONTHLY_FEE"
	SubtypeUsage      = "USAGE"
)

// LineItem is one charge within a bill. Amount is pre-tax; TaxRate is a fraction in [0, 1].
type LineItem struct {
	Category    Category        `json:"category" yaml:"category"`
	Subtype     string          `json:"subtype" yaml:"subtype"`
	Ref         string          `json:"ref,omitempty" yaml:"ref,omitempty"`
	Description string          `json:"description" yaml:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice" yaml:"unitPrice"`
	Quantity    decimal.Decimal `json:"quantity" yaml:"quantity"`
	Amount      decimal.Decimal `json:"amount" yaml:"amount"`
	TaxRate     decimal.Decimal `json:"taxRate" yaml:"taxRate"`
}

// Tax returns the tax charged on this line, rounded to currency precision.
// TAX category lines are already tax and carry none of their own.
func (li LineItem) Tax() decimal.Decimal {
	if li.Category == CategoryTax {
		return decimal.Zero
	}
	return li.Amount.Mul(li.TaxRate).Round(2)
}

// Gross returns amount plus tax.
func (li LineItem) Gross() decimal.Decimal {
	return li.Amount.Add(li.Tax())
}

// Validate checks the line item invariants.
func (li LineItem) Validate() error {
	if !li.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, li.Category)
	}
	if li.Amount.IsNegative() {
		return fmt.Errorf("%w: %s line amount must be non-negative", ErrInvalidInput, li.Category)
	}
	if li.TaxRate.IsNegative() || li.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s tax rate %s outside [0, 1]", ErrInvalidInput, li.Category, li.TaxRate)
	}
	return nil
}

// BillingPeriodRecord is one user's issued bill for one period. Immutable once issued.
type BillingPeriodRecord struct {
	ID          string          `json:"id" yaml:"id"`
	UserID      string          `json:"userId" yaml:"userId"`
	Period      Period          `json:"period" yaml:"period"`
	IssuedAt    time.Time       `json:"issuedAt" yaml:"issuedAt"`
	Currency    string          `json:"currency" yaml:"currency"`
	TotalAmount decimal.Decimal `json:"totalAmount" yaml:"totalAmount"`
	LineItems   []LineItem      `json:"lineItems" yaml:"lineItems"`
}

// PerCategoryAmounts returns pre-tax amounts per category, with TAX holding
// explicit tax lines plus per-line tax. The values sum to ComputedTotal.
func (b *BillingPeriodRecord) PerCategoryAmounts() map[Category]decimal.Decimal {
	out := make(map[Category]decimal.Decimal)
	for _, li := range b.LineItems {
		out[li.Category] = out[li.Category].Add(li.Amount)
		if tax := li.Tax(); !tax.IsZero() {
			out[CategoryTax] = out[CategoryTax].Add(tax)
		}
	}
	return out
}

// ComputedTotal is the sum of all line items including tax.
func (b *BillingPeriodRecord) ComputedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, li := range b.LineItems {
		total = total.Add(li.Gross())
	}
	return total
}

// Validate checks the bill invariants. A zero TotalAmount is filled from the line items.
func (b *BillingPeriodRecord) Validate() error {
	if b.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if b.Period.IsZero() {
		return fmt.Errorf("%w: period is required", ErrInvalidInput)
	}
	for _, li := range b.LineItems {
		if err := li.Validate(); err != nil {
			return err
		}
	}
	computed := b.ComputedTotal()
	if b.TotalAmount.IsZero() {
		b.TotalAmount = computed
		return nil
	}
	if !b.TotalAmount.Equal(computed) {
		return fmt.Errorf("%w: total %s does not match line items %s", ErrInvalidInput, b.TotalAmount, computed)
	}
	return nil
}

// ItemsIn returns the line items of one category.
func (b *BillingPeriodRecord) ItemsIn(c Category) []LineItem {
	var out []LineItem
	for _, li := range b.LineItems {
		if li.Category == c {
			out = append(out, li)
		}
	}
	return out
}

// UsageRecord is a daily usage counter row from the metering feed.
type UsageRecord struct {
	UserID       string          `json:"userId" yaml:"userId"`
	Date         time.Time       `json:"date" yaml:"date"`
	DataMB       decimal.Decimal `json:"dataMb" yaml:"dataMb"`
	VoiceMinutes int64           `json:"voiceMinutes" yaml:"voiceMinutes"`
	SMSCount     int64           `json:"smsCount" yaml:"smsCount"`
	RoamingMB    decimal.Decimal `json:"roamingMb" yaml:"roamingMb"`
}

// UsageProfile is the consumption of one period, summed from usage records.
type UsageProfile struct {
	Days         int             `json:"days"`
	DataMB       decimal.Decimal `json:"dataMb"`
	VoiceMinutes decimal.Decimal `json:"voiceMinutes"`
	SMSCount     decimal.Decimal `json:"smsCount"`
	RoamingMB    decimal.Decimal `json:"roamingMb"`
}

// AggregateUsage sums usage records into a profile.
func AggregateUsage(records []UsageRecord) UsageProfile {
	var p UsageProfile
	for _, r := range records {
		p.Days++
		p.DataMB = p.DataMB.Add(r.DataMB)
		p.VoiceMinutes = p.VoiceMinutes.Add(decimal.NewFromInt(r.VoiceMinutes))
		p.SMSCount = p.SMSCount.Add(decimal.NewFromInt(r.SMSCount))
		p.RoamingMB = p.RoamingMB.Add(r.RoamingMB)
	}
	return p
}

// IsEmpty reports whether no usage was recorded.
func (p UsageProfile) IsEmpty() bool {
	return p.Days == 0
}

// DataGB converts the data volume to gigabytes (1 GB = 1024 MB).
func (p UsageProfile) DataGB() decimal.Decimal {
	return p.DataMB.Div(decimal.NewFromInt(1024))
}
