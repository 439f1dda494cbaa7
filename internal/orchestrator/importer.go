package orchestrator

import (
	"context"
	"log/slog"

	ptn "github.com/middelink/go-parse-torrent-name"
	"golift.io/starr"
	"golift.io/starr/radarr"

	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/errors"
)

// Importer receives completed downloads for hand-off into the library.
type Importer interface {
	Import(ctx context.Context, item RequestedItem, entry downloadclient.HistoryItem) error
}

// StarrImporter notifies a Radarr-compatible application that a completed
// download is ready to scan.
type StarrImporter struct {
	client *radarr.Radarr
	log    *slog.Logger
}

// NewStarrImporter connects to the application at url with its api key.
func NewStarrImporter(url, apiKey string) *StarrImporter {
	return &StarrImporter{
		client: radarr.New(&starr.Config{URL: url, APIKey: apiKey}),
		log:    slog.Default().With("component", "starr-importer"),
	}
}

// Import nudges the application to refresh its monitored downloads, which
// picks up the completed path on its next scan.
func (s *StarrImporter) Import(ctx context.Context, item RequestedItem, entry downloadclient.HistoryItem) error {
	resp, err := s.client.SendCommandContext(ctx, &radarr.CommandRequest{
		Name: "RefreshMonitoredDownloads",
	})
	if err != nil {
		return errors.Wrap(errors.KindTransient, "starr scan command", err)
	}

	s.log.InfoContext(ctx, "import scan triggered",
		"title", item.Title, "path", entry.Path, "command_id", resp.ID)
	return nil
}

// parseReleaseTitle extracts movie metadata from a release name. Returns
// the raw name when parsing fails.
func parseReleaseTitle(release string) (string, int) {
	info, err := ptn.Parse(release)
	if err != nil || info == nil || info.Title == "" {
		return release, 0
	}
	return info.Title, info.Year
}
