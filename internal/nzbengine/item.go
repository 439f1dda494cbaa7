// Package nzbengine implements the NZB acquisition engine: a queue of
// download items serviced by a single worker that fetches segments through
// the NNTP dispatcher, assembles files and runs post-processing.
package nzbengine

import (
	"time"
)

// State is the lifecycle state of a queue item.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateExtracting  State = "extracting"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// validTransitions encodes the item lifecycle: pause is only reachable from
// downloading (or queued, for not-yet-started items), resume re-queues.
var validTransitions = map[State][]State{
	StateQueued:      {StateDownloading, StatePaused, StateFailed},
	StateDownloading: {StatePaused, StateExtracting, StateCompleted, StateFailed},
	StatePaused:      {StateQueued, StateDownloading, StateFailed},
	StateExtracting:  {StateCompleted, StateFailed},
	StateCompleted:   {},
	StateFailed:      {},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is one queue entry. The NZB XML content is resolved at enqueue time
// and kept so a restarted engine can resume the download.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	AddedBy  string `json:"added_by"`
	Priority int    `json:"priority"`

	NZBURL     string `json:"nzb_url,omitempty"`
	NZBContent string `json:"nzb_content"`

	State        State  `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`

	TotalBytes        int64   `json:"total_bytes"`
	DownloadedBytes   int64   `json:"downloaded_bytes"`
	TotalSegments     int     `json:"total_segments"`
	CompletedSegments int     `json:"completed_segments"`
	TotalFiles        int     `json:"total_files"`
	CompletedFiles    int     `json:"completed_files"`
	SpeedBps          float64 `json:"speed_bps"`
	ETASeconds        int64   `json:"eta_seconds"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// HistoryEntry is the completion-ledger record for a finished item.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	CompletedAt time.Time `json:"completed_at"`
	State       State     `json:"state"`
	ContentPath string    `json:"content_path"`
	SavePath    string    `json:"save_path"`
	Size        int64     `json:"size"`
	Error       string    `json:"error,omitempty"`
}

// historyLimit caps the persisted NZB history ring.
const historyLimit = 100
