package scoring

import "strings"

// Tier is one quality entry inside a profile.
type Tier struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Order   int    `json:"order"`
}

// Profile is a quality profile: ordered tiers plus scoring thresholds.
type Profile struct {
	ID                            string `json:"id"`
	Name                          string `json:"name"`
	Tiers                         []Tier `json:"tiers"`
	UpgradesAllowed               bool   `json:"upgrades_allowed"`
	UpgradeUntilQuality           string `json:"upgrade_until_quality"`
	MinCustomFormatScore          int    `json:"min_custom_format_score"`
	UpgradeUntilCustomFormatScore int    `json:"upgrade_until_custom_format_score"`
	UpgradeScoreIncrement         int    `json:"upgrade_score_increment"`
	Language                      string `json:"language"`
	IsDefault                     bool   `json:"is_default"`
}

// EnabledTierNames returns the names of enabled tiers in profile order.
func (p Profile) EnabledTierNames() []string {
	names := make([]string, 0, len(p.Tiers))
	for _, tier := range p.Tiers {
		if tier.Enabled {
			names = append(names, tier.Name)
		}
	}
	return names
}

var resolutionTokens = []string{"2160", "1080", "720", "480", "sdtv"}

// sourceGroups are alias sets: a tier naming any alias is satisfied by a
// title containing any alias of the same group.
var sourceGroups = [][]string{
	{"remux"},
	{"bluray", "blu-ray", "brrip", "bdrip"},
	{"web"},
	{"hdtv"},
	{"dvd"},
}

// MatchesTier reports whether a release title satisfies a quality tier
// name. The tier name's resolution token and source token must both appear
// in the title when named; "Unknown" matches everything. The dvd token
// never matches a dvdscr release.
func MatchesTier(title, tierName string) bool {
	tier := strings.ToLower(tierName)
	if strings.Contains(tier, "unknown") {
		return true
	}
	t := strings.ToLower(title)

	for _, token := range resolutionTokens {
		if strings.Contains(tier, token) && !strings.Contains(t, token) {
			return false
		}
	}

	for _, group := range sourceGroups {
		if !containsAny(tier, group) {
			continue
		}
		if group[0] == "dvd" {
			if !strings.Contains(strings.ReplaceAll(t, "dvdscr", ""), "dvd") {
				return false
			}
			continue
		}
		if !containsAny(t, group) {
			return false
		}
	}
	return true
}

// MatchesAnyTier reports whether the title satisfies at least one of the
// given tier names.
func MatchesAnyTier(title string, tierNames []string) bool {
	for _, name := range tierNames {
		if MatchesTier(title, name) {
			return true
		}
	}
	return false
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
