package aggregate

import "sort"

// CategoryAll is the synthetic rollup bucket computed across every allowed
// category in the same pass as the per-category buckets.
const CategoryAll = "All"

// allowedCategories is the fixed whitelist eligible for aggregation.
// Anything outside it is dropped entirely, including from the All rollup.
var allowedCategories = map[string]struct{}{
	"news_social_concern":       {},
	"arts_entertainment":        {},
	"sports_gaming":             {},
	"pop_culture":               {},
	"learning_educational":      {},
	"science_technology":        {},
	"business_entrepreneurship": {},
	"food_dining":               {},
	"travel_adventure":          {},
	"fashion_style":             {},
	"health_fitness":            {},
	"family":                    {},
}

// CategoryAllowed reports whether cat is in the aggregation whitelist.
func CategoryAllowed(cat string) bool {
	_, ok := allowedCategories[cat]
	return ok
}

// AllowedCategories returns a copy of the whitelist for callers that need
// to enumerate it (the read API exposes it for dashboard filters).
func AllowedCategories() []string {
	out := make([]string, 0, len(allowedCategories))
	for cat := range allowedCategories {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}
