// Package orchestrator drives acquisition: it searches indexers for
// missing library items, scores and selects releases, submits them to a
// download client and follows the request through completion.
package orchestrator

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Collection item lifecycle.
const (
	StatusRequested = "requested"
	StatusAvailable = "available"
)

// Minimum-availability thresholds.
const (
	AvailabilityAnnounced = "announced"
	AvailabilityInCinemas = "inCinemas"
	AvailabilityReleased  = "released"
)

// CollectionItem is one library entry.
type CollectionItem struct {
	TMDBID              int64      `json:"tmdb_id,omitempty"`
	Title               string     `json:"title"`
	Year                int        `json:"year"`
	Status              string     `json:"status"`
	RootFolder          string     `json:"root_folder"`
	QualityProfile      string     `json:"quality_profile"`
	MinimumAvailability string     `json:"minimum_availability"`
	RequestedAt         time.Time  `json:"requested_at"`
	InCinemas           *time.Time `json:"in_cinemas,omitempty"`
	DigitalRelease      *time.Time `json:"digital_release,omitempty"`
	PhysicalRelease     *time.Time `json:"physical_release,omitempty"`
}

// Collection is the persisted library document.
type Collection struct {
	Items []CollectionItem `json:"items"`
}

// BlocklistEntry records a release that must never be grabbed again.
// Uniqueness is by normalized SourceTitle.
type BlocklistEntry struct {
	SourceTitle  string    `json:"source_title"`
	MovieTitle   string    `json:"movie_title"`
	Year         int       `json:"year"`
	ReasonFailed string    `json:"reason_failed"`
	DateAdded    time.Time `json:"date_added"`
}

// Blocklist is the persisted blocklist document.
type Blocklist struct {
	Entries []BlocklistEntry `json:"entries"`
}

// Contains reports whether a release title is blocked.
func (b Blocklist) Contains(title string) bool {
	needle := normalizeTitle(title)
	for _, entry := range b.Entries {
		if normalizeTitle(entry.SourceTitle) == needle {
			return true
		}
	}
	return false
}

// RequestedItem marks a client-side queue entry as submitted by us, so the
// completion poller can tell our downloads from external additions.
type RequestedItem struct {
	QueueID        string `json:"queue_id"`
	Client         string `json:"client"`
	Title          string `json:"title"`
	ReleaseTitle   string `json:"release_title"`
	Year           int    `json:"year"`
	Score          int    `json:"score"`
	ScoreBreakdown string `json:"score_breakdown"`
}

// RequestedQueue is the persisted requested-index document.
type RequestedQueue struct {
	Items []RequestedItem `json:"items"`
}

// normalizeTitle is the blocklist identity: case-folded and trimmed.
// A Caser is stateful, so one is built per call.
func normalizeTitle(title string) string {
	return cases.Fold().String(strings.TrimSpace(title))
}
