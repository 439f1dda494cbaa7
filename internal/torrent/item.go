// Package torrent wraps a single BitTorrent session behind the same
// queue/history surface the NZB engine exposes, so the orchestrator can treat
// both acquisition paths uniformly.
package torrent

import "time"

// Status is the externally visible torrent state.
type Status string

const (
	StatusChecking    Status = "checking"
	StatusMetadata    Status = "metadata"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusSeeding     Status = "seeding"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Item mirrors one live torrent handle. The session owns the truth; the sync
// loop copies it here so reads never touch session internals.
type Item struct {
	ID           string  `json:"id"`
	InfoHash     string  `json:"info_hash"`
	Name         string  `json:"name"`
	Category     string  `json:"category"`
	SavePath     string  `json:"save_path"`
	ContentPath  string  `json:"content_path"`
	MagnetURL    string  `json:"magnet_url,omitempty"`
	Status       Status  `json:"status"`
	Progress     float64 `json:"progress"`
	Size         int64   `json:"size"`
	Downloaded   int64   `json:"downloaded_bytes"`
	Uploaded     int64   `json:"uploaded_bytes"`
	DownloadRate float64 `json:"download_rate"`
	UploadRate   float64 `json:"upload_rate"`
	Ratio        float64 `json:"ratio"`
	ETASeconds   int64   `json:"eta_seconds"`
	Seeds        int     `json:"num_seeds"`
	Peers        int     `json:"num_peers"`
	ErrorMessage string  `json:"error_message,omitempty"`

	AddedAt     time.Time  `json:"added_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HistoryEntry records a torrent's first observed completion.
type HistoryEntry struct {
	ID          string    `json:"id"`
	InfoHash    string    `json:"info_hash"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	State       Status    `json:"state"`
	SavePath    string    `json:"save_path"`
	ContentPath string    `json:"content_path"`
	Size        int64     `json:"size"`
	CompletedAt time.Time `json:"completed_at"`
}

// historyLimit caps the torrent history ring.
const historyLimit = 500

// mapStatus derives the visible status from session observations. The
// ordering matters: errors dominate, then missing metadata, then pause
// semantics, then completion.
func mapStatus(infoReady, itemPaused, globalPaused, complete bool, progress float64, errMsg string) Status {
	switch {
	case errMsg != "":
		return StatusError
	case !infoReady:
		return StatusMetadata
	case globalPaused:
		return StatusPaused
	case itemPaused && progress >= 1.0:
		return StatusCompleted
	case itemPaused:
		return StatusPaused
	case complete:
		return StatusSeeding
	default:
		return StatusDownloading
	}
}
