package anomaly

import "github.com/opensource-finance/billscope/internal/domain"

type recommendationKey struct {
	Type     domain.AnomalyType
	Severity domain.Severity
}

// defaultRecommendations is the (type, severity) lookup table.
var defaultRecommendations = map[recommendationKey][]string{
	{domain.AnomalySpike, domain.SeverityHigh}:   {"Review data package", "Check usage limits", "Contact customer service to verify the charges"},
	{domain.AnomalySpike, domain.SeverityMedium}: {"Review data package", "Check usage limits"},
	{domain.AnomalySpike, domain.SeverityLow}:    {"Monitor usage over the next period"},

	{domain.AnomalyNewItem, domain.SeverityHigh}:   {"Verify the new charge with customer service", "Check recently activated services"},
	{domain.AnomalyNewItem, domain.SeverityMedium}: {"Verify the new charge", "Check recently activated services"},
	{domain.AnomalyNewItem, domain.SeverityLow}:    {"Review the new charge on your bill"},

	{domain.AnomalyRoamingActivation, domain.SeverityHigh}:   {"Check roaming settings", "Consider a roaming package before travelling", "Disable data roaming when not needed"},
	{domain.AnomalyRoamingActivation, domain.SeverityMedium}: {"Check roaming settings", "Consider a roaming package before travelling"},
	{domain.AnomalyRoamingActivation, domain.SeverityLow}:    {"Check roaming settings"},

	{domain.AnomalyPremiumSMSIncrease, domain.SeverityHigh}:   {"Block premium SMS services", "Review premium SMS subscriptions", "Report unauthorised subscriptions to customer service"},
	{domain.AnomalyPremiumSMSIncrease, domain.SeverityMedium}: {"Review premium SMS subscriptions", "Block premium SMS services"},
	{domain.AnomalyPremiumSMSIncrease, domain.SeverityLow}:    {"Review premium SMS subscriptions"},

	{domain.AnomalyVASIncrease, domain.SeverityHigh}:   {"Cancel unused value-added services", "Review VAS subscriptions", "Report unexpected subscriptions to customer service"},
	{domain.AnomalyVASIncrease, domain.SeverityMedium}: {"Review VAS subscriptions", "Cancel unused value-added services"},
	{domain.AnomalyVASIncrease, domain.SeverityLow}:    {"Review VAS subscriptions"},
}

// Recommendations maps (type, severity) to an ordered list of actions.
type Recommendations struct {
	table map[recommendationKey][]string
}

// NewRecommendations builds the table, replacing entries named in overrides ("TYPE/SEVERITY").
// Malformed override keys are ignored; DetectionRules.Validate rejects them earlier.
func NewRecommendations(overrides map[string][]string) *Recommendations {
	table := make(map[recommendationKey][]string, len(defaultRecommendations))
	for k, v := range defaultRecommendations {
		table[k] = v
	}
	for key, recs := range overrides {
		t, sev, err := domain.ParseRecommendationKey(key)
		if err != nil {
			continue
		}
		table[recommendationKey{t, sev}] = recs
	}
	return &Recommendations{table: table}
}

// For returns a copy of the recommendations for a type and severity.
func (r *Recommendations) For(t domain.AnomalyType, sev domain.Severity) []string {
	recs := r.table[recommendationKey{t, sev}]
	out := make([]string, len(recs))
	copy(out, recs)
	return out
}
