package downloadclient

import (
	"context"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/ipc"
	"github.com/mediahunt/mediahunt/internal/nzbengine"
	"github.com/mediahunt/mediahunt/internal/torrent"
)

// NZBEngineClient forwards submissions to the built-in NZB engine child.
type NZBEngineClient struct {
	cfg    Config
	client *ipc.NZBClient
}

func NewNZBEngineClient(cfg Config, client *ipc.NZBClient) *NZBEngineClient {
	return &NZBEngineClient{cfg: cfg, client: client}
}

func (c *NZBEngineClient) Name() string { return c.cfg.Name }
func (c *NZBEngineClient) Type() string { return TypeNZBEngine }

func (c *NZBEngineClient) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.NZBURL == "" {
		return "", errors.New(errors.KindConfig, "nzb engine submission requires an nzb url")
	}
	return c.client.AddNZB(ctx, nzbengine.AddRequest{
		Name:     sub.Name,
		Category: ResolveCategory(sub.Category, c.cfg.Category),
		AddedBy:  "orchestrator",
		URL:      sub.NZBURL,
	})
}

func (c *NZBEngineClient) Queue(_ context.Context) ([]QueueItem, error) {
	items, err := c.client.GetQueue()
	if err != nil {
		return nil, err
	}

	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		progress := 0.0
		if item.TotalBytes > 0 {
			progress = float64(item.DownloadedBytes) / float64(item.TotalBytes)
		}
		out = append(out, QueueItem{
			ID:        item.ID,
			Name:      item.Name,
			Category:  item.Category,
			Status:    string(item.State),
			Progress:  progress,
			SizeBytes: item.TotalBytes,
		})
	}
	return out, nil
}

func (c *NZBEngineClient) History(_ context.Context) ([]HistoryItem, error) {
	entries, err := c.client.GetHistory()
	if err != nil {
		return nil, err
	}

	out := make([]HistoryItem, 0, len(entries))
	for _, entry := range entries {
		out = append(out, HistoryItem{
			ID:         entry.ID,
			Name:       entry.Name,
			Category:   entry.Category,
			Completed:  entry.State == nzbengine.StateCompleted,
			Failed:     entry.State == nzbengine.StateFailed,
			FailReason: entry.Error,
			Path:       entry.ContentPath,
		})
	}
	return out, nil
}

func (c *NZBEngineClient) Test(ctx context.Context) error {
	_, err := c.client.GetSpeedLimit(ctx)
	return err
}

// TorrentEngineClient forwards submissions to the built-in torrent child.
type TorrentEngineClient struct {
	cfg    Config
	client *ipc.TorrentClient
}

func NewTorrentEngineClient(cfg Config, client *ipc.TorrentClient) *TorrentEngineClient {
	return &TorrentEngineClient{cfg: cfg, client: client}
}

func (c *TorrentEngineClient) Name() string { return c.cfg.Name }
func (c *TorrentEngineClient) Type() string { return TypeTorrentEngine }

func (c *TorrentEngineClient) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.MagnetURL == "" {
		return "", errors.New(errors.KindConfig, "torrent engine submission requires a magnet url")
	}
	return c.client.AddTorrent(ctx, torrent.AddTorrentRequest{
		MagnetURL: sub.MagnetURL,
		Category:  ResolveCategory(sub.Category, c.cfg.Category),
		Name:      sub.Name,
	})
}

func (c *TorrentEngineClient) Queue(_ context.Context) ([]QueueItem, error) {
	items, err := c.client.GetQueue()
	if err != nil {
		return nil, err
	}

	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		out = append(out, QueueItem{
			ID:        item.ID,
			Name:      item.Name,
			Category:  item.Category,
			Status:    string(item.Status),
			Progress:  item.Progress,
			SizeBytes: item.Size,
		})
	}
	return out, nil
}

func (c *TorrentEngineClient) History(_ context.Context) ([]HistoryItem, error) {
	entries, err := c.client.GetHistory()
	if err != nil {
		return nil, err
	}

	out := make([]HistoryItem, 0, len(entries))
	for _, entry := range entries {
		path := entry.ContentPath
		if path == "" {
			path = entry.SavePath
		}
		out = append(out, HistoryItem{
			ID:        entry.ID,
			Name:      entry.Name,
			Category:  entry.Category,
			Completed: true,
			Path:      path,
		})
	}
	return out, nil
}

func (c *TorrentEngineClient) Test(ctx context.Context) error {
	_, err := c.client.GetSpeedLimit(ctx)
	return err
}
