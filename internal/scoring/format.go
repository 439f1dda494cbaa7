// Package scoring evaluates release titles against user-defined custom
// formats and quality profiles.
package scoring

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SpecFields holds the single payload field of a specification. Value is
// untyped because user JSON mixes strings and numbers freely.
type SpecFields struct {
	Value any `json:"value"`
}

// Specification is one condition inside a custom format.
type Specification struct {
	Implementation string     `json:"implementation"`
	Required       bool       `json:"required"`
	Negate         bool       `json:"negate"`
	Fields         SpecFields `json:"fields"`
}

// CustomFormat is a user-supplied scoring rule.
type CustomFormat struct {
	Name           string          `json:"name"`
	Score          int             `json:"score"`
	Specifications []Specification `json:"specifications"`
}

// valueString renders the spec payload as text regardless of its JSON type.
func (f SpecFields) valueString() string {
	switch v := f.Value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// compileSpec builds the matcher for one specification. Resolution-style
// implementations treat the value as an integer height and match
// "<height>" or "<height>p" as a whole word; everything else is a
// case-insensitive regex. The bool reports whether the spec was evaluable.
func compileSpec(spec Specification) (*regexp.Regexp, bool) {
	raw := strings.TrimSpace(spec.Fields.valueString())
	if raw == "" {
		return nil, false
	}

	if strings.Contains(strings.ToLower(spec.Implementation), "resolution") {
		height, err := strconv.Atoi(raw)
		if err != nil {
			return nil, false
		}
		return regexp.MustCompile(`\b` + strconv.Itoa(height) + `p?\b`), true
	}

	re, err := regexp.Compile(`(?i)` + raw)
	if err != nil {
		return nil, false
	}
	return re, true
}

// formatApplies decides whether one custom format contributes its score.
// Positive specs are satisfied when any of them matches (or none exist).
// A negate spec flips its match, so it vetoes the format when its pattern
// is absent from the title.
func formatApplies(title string, format CustomFormat) bool {
	var positives, negates []*regexp.Regexp
	evaluable := 0

	for _, spec := range format.Specifications {
		if !spec.Required {
			continue
		}
		re, ok := compileSpec(spec)
		if !ok {
			continue
		}
		evaluable++
		if spec.Negate {
			negates = append(negates, re)
		} else {
			positives = append(positives, re)
		}
	}
	if evaluable == 0 {
		return false
	}

	positiveOK := len(positives) == 0
	for _, re := range positives {
		if re.MatchString(title) {
			positiveOK = true
			break
		}
	}
	if !positiveOK {
		return false
	}

	for _, re := range negates {
		if !re.MatchString(title) {
			return false
		}
	}
	return true
}

// ScoreRelease sums the contributing custom formats for a title and
// renders a human-readable breakdown. An empty breakdown renders as "-".
// The total is independent of format ordering.
func ScoreRelease(title string, formats []CustomFormat) (int, string) {
	// Stable name order keeps totals and breakdowns deterministic
	// regardless of how the formats document is stored.
	ordered := make([]CustomFormat, len(formats))
	copy(ordered, formats)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	total := 0
	var parts []string

	for _, format := range ordered {
		if !formatApplies(title, format) {
			continue
		}
		total += format.Score
		parts = append(parts, fmt.Sprintf("%s %+d", format.Name, format.Score))
	}

	if len(parts) == 0 {
		return total, "-"
	}
	return total, strings.Join(parts, ", ")
}
