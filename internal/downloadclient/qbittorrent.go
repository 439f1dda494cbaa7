package downloadclient

import (
	"context"
	"regexp"
	"strings"
	"sync"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/mediahunt/mediahunt/internal/errors"
)

var btihRE = regexp.MustCompile(`btih:([a-fA-F0-9]{40})`)

// QBittorrent talks to an external qBittorrent WebUI v2 instance.
type QBittorrent struct {
	cfg    Config
	client *qbt.Client

	mu       sync.Mutex
	loggedIn bool
}

func NewQBittorrent(cfg Config) *QBittorrent {
	return &QBittorrent{
		cfg: cfg,
		client: qbt.NewClient(qbt.Config{
			Host:     cfg.Host,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  30,
		}),
	}
}

func (c *QBittorrent) Name() string { return c.cfg.Name }
func (c *QBittorrent) Type() string { return TypeQBittorrent }

// login authenticates once; the SID cookie survives inside the client.
func (c *QBittorrent) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	if err := c.client.LoginCtx(ctx); err != nil {
		return errors.Wrap(errors.KindAuth, "qbittorrent login", err)
	}
	c.loggedIn = true
	return nil
}

// Submit adds the magnet and reports the info hash as the client-side id.
func (c *QBittorrent) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.MagnetURL == "" {
		return "", errors.New(errors.KindConfig, "qbittorrent submission requires a magnet url")
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}

	opts := map[string]string{
		"category": ResolveCategory(sub.Category, c.cfg.Category),
	}
	if err := c.client.AddTorrentFromUrlCtx(ctx, sub.MagnetURL, opts); err != nil {
		return "", errors.Wrap(errors.KindTransient, "qbittorrent add", err)
	}

	match := btihRE.FindStringSubmatch(sub.MagnetURL)
	if match == nil {
		return "", errors.New(errors.KindParse, "magnet has no recognizable info hash")
	}
	return strings.ToLower(match[1]), nil
}

func (c *QBittorrent) Queue(ctx context.Context) ([]QueueItem, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}

	torrents, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "qbittorrent torrents info", err)
	}

	out := make([]QueueItem, 0, len(torrents))
	for _, t := range torrents {
		if t.Progress >= 1.0 {
			continue
		}
		out = append(out, QueueItem{
			ID:        strings.ToLower(t.Hash),
			Name:      t.Name,
			Category:  t.Category,
			Status:    string(t.State),
			Progress:  t.Progress,
			SizeBytes: t.Size,
		})
	}
	return out, nil
}

// History lists finished torrents. qBittorrent keeps no separate history,
// so completion is derived from progress.
func (c *QBittorrent) History(ctx context.Context) ([]HistoryItem, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}

	torrents, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "qbittorrent torrents info", err)
	}

	out := make([]HistoryItem, 0, len(torrents))
	for _, t := range torrents {
		if t.Progress < 1.0 {
			continue
		}
		out = append(out, HistoryItem{
			ID:        strings.ToLower(t.Hash),
			Name:      t.Name,
			Category:  t.Category,
			Completed: true,
			Path:      t.SavePath,
		})
	}
	return out, nil
}

func (c *QBittorrent) Test(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	_, err := c.client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "qbittorrent version", err)
	}
	return nil
}
