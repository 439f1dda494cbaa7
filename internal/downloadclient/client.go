// Package downloadclient abstracts the download back ends the orchestrator
// can submit grabs to: the built-in engines plus external SABnzbd, NZBGet
// and qBittorrent instances.
package downloadclient

import (
	"context"
	"strings"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/ipc"
)

// Type identifiers for configured clients.
const (
	TypeNZBEngine     = "nzb_engine"
	TypeTorrentEngine = "torrent_engine"
	TypeSABnzbd       = "sabnzbd"
	TypeNZBGet        = "nzbget"
	TypeQBittorrent   = "qbittorrent"
)

// DefaultCategory is used when a client's category resolves to a wildcard.
const DefaultCategory = "moviehunt"

// Config describes one configured download client.
type Config struct {
	Name     string `yaml:"name" mapstructure:"name" json:"name"`
	Type     string `yaml:"type" mapstructure:"type" json:"type"`
	Host     string `yaml:"host" mapstructure:"host" json:"host"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key" json:"api_key"`
	Username string `yaml:"username" mapstructure:"username" json:"username"`
	Password string `yaml:"password" mapstructure:"password" json:"password"`
	Category string `yaml:"category" mapstructure:"category" json:"category"`
	Priority int    `yaml:"priority" mapstructure:"priority" json:"priority"`
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
}

// Submission is one release handed to a client. Exactly one of NZBURL and
// MagnetURL is set, depending on the client protocol.
type Submission struct {
	Name      string
	NZBURL    string
	MagnetURL string
	Category  string
}

// QueueItem is a client-side queue entry in client-neutral form.
type QueueItem struct {
	ID        string
	Name      string
	Category  string
	Status    string
	Progress  float64
	SizeBytes int64
}

// HistoryItem is a client-side history entry in client-neutral form.
type HistoryItem struct {
	ID         string
	Name       string
	Category   string
	Completed  bool
	Failed     bool
	FailReason string
	Path       string
}

// Client is the orchestrator's view of a download back end.
type Client interface {
	Name() string
	Type() string
	// Submit enqueues a release and returns the client-side id.
	Submit(ctx context.Context, sub Submission) (string, error)
	Queue(ctx context.Context) ([]QueueItem, error)
	History(ctx context.Context) ([]HistoryItem, error)
	Test(ctx context.Context) error
}

// ResolveCategory maps the wildcard category spellings to the fallback.
func ResolveCategory(raw, fallback string) string {
	switch strings.TrimSpace(raw) {
	case "", "default", "*":
		if fallback == "" {
			return DefaultCategory
		}
		return fallback
	default:
		return raw
	}
}

// New builds a client for the config. The engine clients are shared
// process-wide, so they are passed in rather than constructed here.
func New(cfg Config, nzb *ipc.NZBClient, tor *ipc.TorrentClient) (Client, error) {
	switch cfg.Type {
	case TypeNZBEngine:
		return NewNZBEngineClient(cfg, nzb), nil
	case TypeTorrentEngine:
		return NewTorrentEngineClient(cfg, tor), nil
	case TypeSABnzbd:
		return NewSABnzbd(cfg), nil
	case TypeNZBGet:
		return NewNZBGet(cfg), nil
	case TypeQBittorrent:
		return NewQBittorrent(cfg), nil
	default:
		return nil, errors.New(errors.KindConfig, "unknown download client type: "+cfg.Type)
	}
}
